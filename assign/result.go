package assign

// Kind tags what a prior was assigned to.
type Kind uint8

const (
	// Background means the prior is a negative sample.
	Background Kind = iota
	// Matched means the prior is a positive sample for one ground truth.
	Matched
)

func (k Kind) String() string {
	switch k {
	case Matched:
		return "matched"
	default:
		return "background"
	}
}

// Assignment is the outcome for one prior.
type Assignment struct {
	Kind Kind
	// GroundTruth is the 0-based index of the matched ground truth, -1 for
	// background.
	GroundTruth int
	// IoU is the generalized IoU between the prior's decoded box and its
	// ground truth. Always 0 for background.
	IoU float32
	// Label is the class of the matched ground truth, -1 for background.
	Label int
}

var background = Assignment{Kind: Background, GroundTruth: -1, Label: -1}

// Code returns the compact encoding: 0 for background, GroundTruth+1 when
// matched.
func (a Assignment) Code() int {
	if a.Kind == Matched {
		return a.GroundTruth + 1
	}
	return 0
}

// Result is the assignment of every prior of one image.
type Result struct {
	// NumGroundTruth is the number of ground-truth boxes considered.
	NumGroundTruth int
	// Assignments has one entry per prior.
	Assignments []Assignment
	// Candidates is the number of priors that passed the in-box or in-center
	// test for any ground truth.
	Candidates int
	// DynamicK is the k derived for each ground truth before conflict
	// resolution.
	DynamicK []int
	// Conflicts is the number of priors that were selected by more than one
	// ground truth.
	Conflicts int
}

func newBackgroundResult(numPriors, numGT int) *Result {
	r := &Result{
		NumGroundTruth: numGT,
		Assignments:    make([]Assignment, numPriors),
		DynamicK:       make([]int, numGT),
	}
	for i := range r.Assignments {
		r.Assignments[i] = background
	}
	return r
}

// Codes returns Code() for every prior.
func (r *Result) Codes() []int {
	out := make([]int, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = a.Code()
	}
	return out
}

// MaxIoUs returns the matched overlap of every prior.
func (r *Result) MaxIoUs() []float32 {
	out := make([]float32, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = a.IoU
	}
	return out
}

// Labels returns the assigned class of every prior.
func (r *Result) Labels() []int {
	out := make([]int, len(r.Assignments))
	for i, a := range r.Assignments {
		out[i] = a.Label
	}
	return out
}

// Positives returns the indices of matched priors in ascending order.
func (r *Result) Positives() []int {
	var out []int
	for i, a := range r.Assignments {
		if a.Kind == Matched {
			out = append(out, i)
		}
	}
	return out
}

// Negatives returns the indices of background priors in ascending order.
func (r *Result) Negatives() []int {
	var out []int
	for i, a := range r.Assignments {
		if a.Kind == Background {
			out = append(out, i)
		}
	}
	return out
}

// NumPositives counts the matched priors.
func (r *Result) NumPositives() int {
	n := 0
	for _, a := range r.Assignments {
		if a.Kind == Matched {
			n++
		}
	}
	return n
}
