package tmpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type launchData struct {
	Exe       string
	SessionID string
	Args      []string
}

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		data    any
		want    string
		wantErr bool
	}{
		{
			name: "struct fields",
			tmpl: "{{ .Exe }} hub serve --session {{ .SessionID }}",
			data: launchData{Exe: "pulse", SessionID: "alpha"},
			want: "pulse hub serve --session alpha",
		},
		{
			name: "quoted session with spaces",
			tmpl: "exec {{ .Exe | shq }} --session {{ .SessionID | shq }}",
			data: launchData{Exe: "/opt/pulse", SessionID: "my work"},
			want: "exec '/opt/pulse' --session 'my work'",
		},
		{
			name: "single quote escaped",
			tmpl: "{{ .SessionID | shq }}",
			data: launchData{SessionID: "it's"},
			want: `'it'\''s'`,
		},
		{
			name: "empty string quoted",
			tmpl: "run {{ .SessionID | shq }}",
			data: launchData{},
			want: "run ''",
		},
		{
			name: "substitution is not evaluated",
			tmpl: "echo {{ .SessionID | shq }}",
			data: launchData{SessionID: "$(whoami) && rm -rf /"},
			want: "echo '$(whoami) && rm -rf /'",
		},
		{
			name: "joined args",
			tmpl: "{{ .Exe }} {{ .Args | shjoin }}",
			data: launchData{Exe: "pulse", Args: []string{"wrap", "--", "claude code"}},
			want: "pulse 'wrap' '--' 'claude code'",
		},
		{
			name: "surrounding whitespace trimmed",
			tmpl: "\n  {{ .Exe }}\n",
			data: launchData{Exe: "pulse"},
			want: "pulse",
		},
		{
			name:    "unknown field",
			tmpl:    "{{ .Address }}",
			data:    launchData{},
			wantErr: true,
		},
		{
			name:    "missing map key",
			tmpl:    "{{ .Addr }}",
			data:    map[string]string{},
			wantErr: true,
		},
		{
			name:    "parse error",
			tmpl:    "{{ .Exe }",
			data:    launchData{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommand(t *testing.T) {
	argv, err := Command("exec {{ .Exe | shq }}", launchData{Exe: "pulse"})
	require.NoError(t, err)
	assert.Equal(t, []string{Shell, "-c", "exec 'pulse'"}, argv)

	_, err = Command("  ", launchData{})
	assert.Error(t, err)
}
