package assign

import "github.com/pkg/errors"

// Config holds the SimOTA matching parameters.
type Config struct {
	// CenterRadius is the half-size, in strides, of the square around each
	// ground-truth center inside which priors count as "in center".
	CenterRadius float32 `json:"center_radius" yaml:"center_radius"`
	// CandidateTopK is how many of the best IoUs per ground truth are summed
	// to derive its dynamic k.
	CandidateTopK int `json:"candidate_topk" yaml:"candidate_topk"`
	// IoUWeight scales the overlap cost.
	IoUWeight float32 `json:"iou_weight" yaml:"iou_weight"`
	// ClsWeight scales the classification cost.
	ClsWeight float32 `json:"cls_weight" yaml:"cls_weight"`
}

// DefaultConfig returns the standard YOLOX assigner parameters.
func DefaultConfig() Config {
	return Config{
		CenterRadius:  2.5,
		CandidateTopK: 10,
		IoUWeight:     3.0,
		ClsWeight:     1.0,
	}
}

// Validate checks that the parameters can produce a matching.
func (c Config) Validate() error {
	if c.CenterRadius <= 0 {
		return errors.Errorf("center_radius must be positive, got %v", c.CenterRadius)
	}
	if c.CandidateTopK < 1 {
		return errors.Errorf("candidate_topk must be at least 1, got %d", c.CandidateTopK)
	}
	if c.IoUWeight < 0 || c.ClsWeight < 0 {
		return errors.Errorf("cost weights must be non-negative, got iou=%v cls=%v", c.IoUWeight, c.ClsWeight)
	}
	return nil
}
