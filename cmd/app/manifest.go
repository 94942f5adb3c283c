// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RepoSpec is one repository entry in a Manifest.
type RepoSpec struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Ref  string `yaml:"ref"`
}

// Manifest is the user-authored description of what a run builds.
type Manifest struct {
	Repositories []RepoSpec `yaml:"repositories"`
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("app: parse manifest %s: %w", path, err)
	}
	return &m, nil
}
