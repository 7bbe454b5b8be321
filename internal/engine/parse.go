package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ParseDefinition читает PipelineDefinition из YAML или JSON документа
// и проверяет его Validate. Неизвестные поля считаются ошибкой.
func ParseDefinition(data []byte) (*domain.PipelineDefinition, error) {
	var def domain.PipelineDefinition

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", domain.ErrInvalidDefinition)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDefinition, err)
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
