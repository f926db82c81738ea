// Package pace holds the domain types shared by the tiered pace prediction
// pipeline: activity streams, grade segments, per-user training artifacts,
// tier and confidence enums, and the error taxonomy.
//
// The pipeline itself lives in the sub-packages, leaf first:
//
//	segment   extrema-based route segmentation
//	features  fixed per-segment feature vectors
//	physics   population GlobalCurve (Tier 1)
//	params    per-user calibrated physics parameters (Tier 2)
//	boost     gradient-boosted regression trees
//	residual  per-user residual ensemble (Tier 3)
//	collect   residual record extraction from past activities
//	tier      tier selection and route prediction
//	jobs      background training queue and status
//	engine    the facade exposed to the surrounding application
package pace
