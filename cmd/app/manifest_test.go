// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifestParsesRepositories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
repositories:
  - name: widgets
    url: https://example.com/widgets.git
    ref: main
  - name: gadgets
    url: https://example.com/gadgets.git
    ref: release
`), 0o644))

	m, err := loadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Repositories, 2)
	assert.Equal(t, "widgets", m.Repositories[0].Name)
	assert.Equal(t, "release", m.Repositories[1].Ref)
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := loadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSplitOwnerRepo(t *testing.T) {
	owner, repo := splitOwnerRepo("acme/widgets")
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)

	owner, repo = splitOwnerRepo("not-a-slash")
	assert.Empty(t, owner)
	assert.Empty(t, repo)
}

func TestGithubTokenPrefersCredentialOverFlag(t *testing.T) {
	options := &Options{
		GhOAuthToken: "flag-token",
		Credentials: []Credential{
			{Host: "github.com", OAuthToken: "cred-token"},
			{Host: "gitlab.com", OAuthToken: "other-token"},
		},
	}
	assert.Equal(t, "cred-token", githubToken(options))
}

func TestGithubTokenFallsBackToFlag(t *testing.T) {
	options := &Options{GhOAuthToken: "flag-token"}
	assert.Equal(t, "flag-token", githubToken(options))
}
