package dataset

import "fmt"

// Subset allows training on a limited number of examples from an underlying
// in-memory dataset. The evaluation split is left untouched.
func Subset(original *Memory, limit int, opts ...MemoryOption) (*Memory, error) {
	if limit < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if limit == 0 || limit > len(original.train) {
		limit = len(original.train)
	}

	examples := make([]Example, 0, limit+len(original.test))
	for _, ex := range original.train[:limit] {
		ex.Split = "train"
		examples = append(examples, ex)
	}
	if !sharesSplit(original) {
		for _, ex := range original.test {
			ex.Split = "test"
			examples = append(examples, ex)
		}
	}

	opts = append([]MemoryOption{WithEmbeddingWindow(original.window)}, opts...)
	return NewMemory(examples, opts...)
}

// sharesSplit reports whether the evaluation split is the training split.
func sharesSplit(m *Memory) bool {
	return len(m.test) > 0 && len(m.train) > 0 && &m.test[0] == &m.train[0]
}
