package gisdsl

import "fmt"

// SpatialOp is a spatial aggregate applied to the geometry column when a
// merge or aggregate step collapses rows. Operators that only accept a
// single geometry get their input collected first.
type SpatialOp string

const (
	SpatialCollect     SpatialOp = "COLLECT"
	SpatialUnion       SpatialOp = "UNION"
	SpatialCentroid    SpatialOp = "CENTROID"
	SpatialExtent      SpatialOp = "EXTENT"
	SpatialEnvelope    SpatialOp = "ENVELOPE"
	SpatialConvexHull  SpatialOp = "CONVEXHULL"
	SpatialConcaveHull SpatialOp = "CONCAVEHULL"
)

// SpatialOps lists every spatial aggregate, for schema enums.
func SpatialOps() []SpatialOp {
	return []SpatialOp{
		SpatialCollect,
		SpatialUnion,
		SpatialCentroid,
		SpatialExtent,
		SpatialEnvelope,
		SpatialConvexHull,
		SpatialConcaveHull,
	}
}

// Fragment renders the aggregate over a geometry expression. ST_Extent
// returns a box2d, so it gets cast back to geometry.
func (op SpatialOp) Fragment(expr string) (string, error) {
	switch op {
	case SpatialCollect:
		return fmt.Sprintf("ST_Collect(%s)", expr), nil
	case SpatialUnion:
		return fmt.Sprintf("ST_Union(%s)", expr), nil
	case SpatialCentroid:
		return fmt.Sprintf("ST_Centroid(ST_Collect(%s))", expr), nil
	case SpatialExtent:
		return fmt.Sprintf("ST_Extent(%s)::geometry", expr), nil
	case SpatialEnvelope:
		return fmt.Sprintf("ST_Envelope(ST_Collect(%s))", expr), nil
	case SpatialConvexHull:
		return fmt.Sprintf("ST_ConvexHull(ST_Collect(%s))", expr), nil
	case SpatialConcaveHull:
		return fmt.Sprintf("ST_ConcaveHull(ST_Collect(%s), 0.8)", expr), nil
	default:
		return "", fmt.Errorf("unknown spatial aggregator: %q", op)
	}
}
