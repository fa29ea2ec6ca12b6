package gisdsl

import "strings"

// GeometryType is a PostGIS geometry typmod.
type GeometryType string

const (
	GeometryPoint           GeometryType = "Point"
	GeometryMultiPoint      GeometryType = "MultiPoint"
	GeometryLineString      GeometryType = "LineString"
	GeometryMultiLineString GeometryType = "MultiLineString"
	GeometryPolygon         GeometryType = "Polygon"
	GeometryMultiPolygon    GeometryType = "MultiPolygon"
	GeometryCollection      GeometryType = "GeometryCollection"
	GeometryAny             GeometryType = "Geometry"

	// GeometryNotFound marks a table whose geometry could not be probed.
	GeometryNotFound GeometryType = "NotFound"
)

// GeometryTypes lists the typmods a step may produce, for schema enums.
func GeometryTypes() []GeometryType {
	return []GeometryType{
		GeometryPoint,
		GeometryMultiPoint,
		GeometryLineString,
		GeometryMultiLineString,
		GeometryPolygon,
		GeometryMultiPolygon,
		GeometryCollection,
		GeometryAny,
	}
}

// TargetGeometryType picks the typmod for a table derived from sources with
// the given geometry types. A homogeneous point, line or polygon family
// collapses to its Multi* form; anything mixed becomes a GeometryCollection.
// Inputs tolerate both GeometryType() and ST_GeometryType() spellings.
func TargetGeometryType(inputs []string) GeometryType {
	types := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		normalized := strings.ToUpper(strings.TrimSpace(input))
		normalized = strings.TrimPrefix(normalized, "ST_")
		if normalized == "" {
			continue
		}
		types[normalized] = struct{}{}
	}

	switch {
	case subsetOf(types, "POLYGON", "MULTIPOLYGON"):
		return GeometryMultiPolygon
	case subsetOf(types, "LINESTRING", "MULTILINESTRING"):
		return GeometryMultiLineString
	case subsetOf(types, "POINT", "MULTIPOINT"):
		return GeometryMultiPoint
	default:
		return GeometryCollection
	}
}

func subsetOf(types map[string]struct{}, allowed ...string) bool {
	for t := range types {
		found := false
		for _, a := range allowed {
			if t == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
