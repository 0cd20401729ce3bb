// Package schema holds the class and field descriptors shared by every
// role. Descriptors are declared in YAML and loaded once at startup; a
// field's capability keywords decide who may send it and where accepted
// updates are broadcast.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type FieldType uint8

const (
	TypeInvalid FieldType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat64
	TypeString
	TypeBlob
)

var typeNames = map[string]FieldType{
	"int8":    TypeInt8,
	"int16":   TypeInt16,
	"int32":   TypeInt32,
	"int64":   TypeInt64,
	"uint8":   TypeUint8,
	"uint16":  TypeUint16,
	"uint32":  TypeUint32,
	"uint64":  TypeUint64,
	"float64": TypeFloat64,
	"string":  TypeString,
	"blob":    TypeBlob,
}

func (t FieldType) String() string {
	for name, ft := range typeNames {
		if ft == t {
			return name
		}
	}
	return "invalid"
}

// FixedSize returns the wire size of the type, or 0 for length-prefixed
// types.
func (t FieldType) FixedSize() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	}
	return 0
}

type Field struct {
	Id    uint16
	Name  string
	Type  FieldType
	Class *Class

	Required  bool
	Ram       bool
	Db        bool
	Broadcast bool
	Airecv    bool
	Ownrecv   bool
	Clsend    bool
	Ownsend   bool

	defaultValue []byte
}

// Keywords returns the field's capability keywords, mostly for logging.
func (f *Field) Keywords() []string {
	var kw []string
	add := func(on bool, name string) {
		if on {
			kw = append(kw, name)
		}
	}
	add(f.Required, "required")
	add(f.Ram, "ram")
	add(f.Db, "db")
	add(f.Broadcast, "broadcast")
	add(f.Airecv, "airecv")
	add(f.Ownrecv, "ownrecv")
	add(f.Clsend, "clsend")
	add(f.Ownsend, "ownsend")
	return kw
}

type Class struct {
	Id     uint16
	Name   string
	Fields []*Field

	byId   map[uint16]*Field
	byName map[string]*Field
}

func (c *Class) Field(id uint16) (*Field, bool) {
	field, ok := c.byId[id]
	return field, ok
}

func (c *Class) FieldByName(name string) (*Field, bool) {
	field, ok := c.byName[name]
	return field, ok
}

// RequiredFields returns the required fields in declaration order, which
// is also their serialization order in entry messages.
func (c *Class) RequiredFields() []*Field {
	var fields []*Field
	for _, field := range c.Fields {
		if field.Required {
			fields = append(fields, field)
		}
	}
	return fields
}

type File struct {
	Classes []*Class

	fields []*Field
	byName map[string]*Class
}

// FieldById resolves a field by its file-wide id. Update messages carry
// only the field id, so ids are unique across every class in the file.
func (f *File) FieldById(id uint16) (*Field, bool) {
	if int(id) >= len(f.fields) {
		return nil, false
	}
	return f.fields[id], true
}

func (f *File) Class(id uint16) (*Class, bool) {
	if int(id) >= len(f.Classes) {
		return nil, false
	}
	return f.Classes[id], true
}

func (f *File) ClassByName(name string) (*Class, bool) {
	class, ok := f.byName[name]
	return class, ok
}

type yamlField struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Keywords []string `yaml:"keywords"`
	Default  *string  `yaml:"default"`
}

type yamlClass struct {
	Name   string      `yaml:"name"`
	Fields []yamlField `yaml:"fields"`
}

type yamlFile struct {
	Classes []yamlClass `yaml:"classes"`
}

// LoadFile reads one schema document. Class and field ids are assigned
// from declaration order, so every process in a cluster must load the
// same files in the same order.
func LoadFile(path string) (*File, error) {
	return LoadFiles([]string{path})
}

// LoadFiles reads several schema documents into one class space.
func LoadFiles(paths []string) (*File, error) {
	file := &File{byName: make(map[string]*Class)}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := file.parse(data); err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
	}
	return file, nil
}

func Parse(data []byte) (*File, error) {
	file := &File{byName: make(map[string]*Class)}
	if err := file.parse(data); err != nil {
		return nil, err
	}
	return file, nil
}

func (file *File) parse(data []byte) error {
	var doc yamlFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unable to parse schema: %v", err)
	}
	for _, yc := range doc.Classes {
		if _, ok := file.byName[yc.Name]; ok {
			return fmt.Errorf("duplicate class \"%s\"", yc.Name)
		}

		class := &Class{
			Id:     uint16(len(file.Classes)),
			Name:   yc.Name,
			byId:   make(map[uint16]*Field),
			byName: make(map[string]*Field),
		}

		for _, yf := range yc.Fields {
			fieldType, ok := typeNames[yf.Type]
			if !ok {
				return fmt.Errorf("class \"%s\" field \"%s\": unknown type \"%s\"",
					yc.Name, yf.Name, yf.Type)
			}
			if _, ok := class.byName[yf.Name]; ok {
				return fmt.Errorf("class \"%s\": duplicate field \"%s\"", yc.Name, yf.Name)
			}

			field := &Field{
				Id:    uint16(len(file.fields)),
				Name:  yf.Name,
				Type:  fieldType,
				Class: class,
			}
			for _, keyword := range yf.Keywords {
				switch keyword {
				case "required":
					field.Required = true
				case "ram":
					field.Ram = true
				case "db":
					field.Db = true
				case "broadcast":
					field.Broadcast = true
				case "airecv":
					field.Airecv = true
				case "ownrecv":
					field.Ownrecv = true
				case "clsend":
					field.Clsend = true
				case "ownsend":
					field.Ownsend = true
				default:
					return fmt.Errorf("class \"%s\" field \"%s\": unknown keyword \"%s\"",
						yc.Name, yf.Name, keyword)
				}
			}

			if yf.Default != nil {
				value, err := encodeDefault(fieldType, *yf.Default)
				if err != nil {
					return fmt.Errorf("class \"%s\" field \"%s\": %v", yc.Name, yf.Name, err)
				}
				field.defaultValue = value
			}

			class.Fields = append(class.Fields, field)
			class.byId[field.Id] = field
			class.byName[yf.Name] = field
			file.fields = append(file.fields, field)
		}

		file.Classes = append(file.Classes, class)
		file.byName[yc.Name] = class
	}

	return nil
}
