package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSecrets(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "pairs", pairs: []string{"user=me", " password =a=b"}, want: map[string]string{"user": "me", "password": "a=b"}},
		{name: "empty value", pairs: []string{"token="}, want: map[string]string{"token": ""}},
		{name: "no equals", pairs: []string{"user"}, wantErr: true},
		{name: "no name", pairs: []string{"=x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSecrets(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "webpilot v"+version+"\n", out.String())
}

func TestModelsCommandListsCatalog(t *testing.T) {
	cmd := modelsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "gpt-4o-mini")
	assert.Contains(t, out.String(), "gemini")
}
