package dsl

import "strings"

// StorageType is the concrete type a field is stored as. Values mirror the
// instance names document stores report (String, Number, ...).
type StorageType string

const (
	TypeString   StorageType = "String"
	TypeNumber   StorageType = "Number"
	TypeBoolean  StorageType = "Boolean"
	TypeDate     StorageType = "Date"
	TypeObjectID StorageType = "ObjectId"
	TypeArray    StorageType = "Array"
	TypeMixed    StorageType = "Mixed"
)

var typeNames = map[string]StorageType{
	"string":   TypeString,
	"text":     TypeString,
	"number":   TypeNumber,
	"int":      TypeNumber,
	"integer":  TypeNumber,
	"float":    TypeNumber,
	"double":   TypeNumber,
	"decimal":  TypeNumber,
	"boolean":  TypeBoolean,
	"bool":     TypeBoolean,
	"date":     TypeDate,
	"datetime": TypeDate,
	"objectid": TypeObjectID,
	"id":       TypeObjectID,
	"ref":      TypeObjectID,
	"array":    TypeArray,
	"mixed":    TypeMixed,
	"object":   TypeMixed,
	"map":      TypeMixed,
}

// ResolveType maps a config type name onto a StorageType. It never fails:
// unknown or empty names resolve to TypeMixed so evolving configs keep working.
func ResolveType(name string) StorageType {
	if t, ok := typeNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return TypeMixed
}
