package distance

// Resolve maps a configured Kind to a Calculator without the caller
// wiring one up by hand. Modeled directly on space_manager.go's
// getFAISSMetric switch in the teacher repo, re-purposed from FAISS
// metric ints to our closed Calculator set.
func Resolve(k Kind) Calculator {
	switch k {
	case Cosine:
		return NewCosine()
	case Manhattan:
		return NewManhattan()
	case Chebyshev:
		return NewChebyshev()
	case Minkowski:
		return NewMinkowski(3)
	case Euclidean:
		fallthrough
	default:
		return NewEuclidean()
	}
}
