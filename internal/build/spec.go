// Package build выполняет Build стадию: команды buildspec в изолированном
// окружении над распакованным source артефактом.
//
// # Buildspec
//
// Формат совместим с CodeBuild:
//
//	version: 0.2
//	env:
//	  variables:
//	    NODE_ENV: production
//	phases:
//	  pre_build:
//	    commands:
//	      - docker login ...
//	  build:
//	    commands:
//	      - docker build -t $ECR_REPO_URI:$IMAGE_TAG .
//	  post_build:
//	    commands:
//	      - docker push $ECR_REPO_URI:$IMAGE_TAG
//
// Фазы выполняются в порядке install → pre_build → build → post_build
// одним shell скриптом с set -e: первая неудачная команда завершает сборку.
//
// # Результат
//
// Успешная сборка создаёт artifact ровно с одним файлом, image descriptor
// (imagedefinitions.json): [{"name": ContainerName, "imageUri": RegistryURI:tag}],
// где tag — первые 7 символов ревизии источника или "latest".
package build

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSpecPath — путь buildspec внутри source артефакта по умолчанию.
const DefaultSpecPath = "buildspec.yml"

// ErrInvalidSpec — buildspec не читается или не содержит команд.
var ErrInvalidSpec = errors.New("invalid buildspec")

// Phase — фаза buildspec.
type Phase struct {
	Commands []string `yaml:"commands"`
}

// Phases — фазы в порядке выполнения.
type Phases struct {
	Install   Phase `yaml:"install"`
	PreBuild  Phase `yaml:"pre_build"`
	Build     Phase `yaml:"build"`
	PostBuild Phase `yaml:"post_build"`
}

// Spec — buildspec.
type Spec struct {
	Version string `yaml:"version"`
	Env     struct {
		Variables map[string]string `yaml:"variables"`
	} `yaml:"env"`
	Phases Phases `yaml:"phases"`
}

// ParseSpec парсит buildspec.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if spec.Version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidSpec)
	}
	if len(spec.Commands()) == 0 {
		return nil, fmt.Errorf("%w: no commands in phases", ErrInvalidSpec)
	}
	return &spec, nil
}

// Commands возвращает команды всех фаз в порядке выполнения.
func (s *Spec) Commands() []string {
	var out []string
	for _, p := range []Phase{s.Phases.Install, s.Phases.PreBuild, s.Phases.Build, s.Phases.PostBuild} {
		for _, c := range p.Commands {
			if strings.TrimSpace(c) != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// Script собирает команды в один shell скрипт.
func (s *Spec) Script() string {
	return strings.Join(s.Commands(), "\n") + "\n"
}
