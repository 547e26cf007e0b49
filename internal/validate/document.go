package validate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"sessiongate/internal/domain"
)

// FromSession converts a typed session into the generic document form the
// rules run over.
func FromSession(doc domain.Session) (Document, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode parses data as JSON when name ends in .json and as YAML otherwise.
func Decode(data []byte, name string) (Document, error) {
	var out Document
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrSchemaViolation, name, err)
		}
	default:
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrSchemaViolation, name, err)
		}
	}
	if out == nil {
		out = Document{}
	}
	return out, nil
}

// ValidateSession is Validate over a typed session.
func (v *Validator) ValidateSession(doc domain.Session) (Report, error) {
	d, err := FromSession(doc)
	if err != nil {
		return Report{}, err
	}
	return v.Validate(d), nil
}
