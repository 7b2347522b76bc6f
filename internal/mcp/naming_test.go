package mcp

import "testing"

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		name       string
		serverName string
		toolName   string
		want       string
	}{
		{
			name:       "simple names",
			serverName: "fs",
			toolName:   "read_file",
			want:       "fs.read_file",
		},
		{
			name:       "server name with uppercase",
			serverName: "MyServer",
			toolName:   "do_thing",
			want:       "myserver.do_thing",
		},
		{
			name:       "dots in server name collapse",
			serverName: "my.server name",
			toolName:   "list",
			want:       "my-server-name.list",
		},
		{
			name:       "hyphens and underscores survive",
			serverName: "my-db_2",
			toolName:   "query",
			want:       "my-db_2.query",
		},
		{
			name:       "empty server gets placeholder",
			serverName: "",
			toolName:   "query",
			want:       "server.query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QualifiedName(tt.serverName, tt.toolName)
			if got != tt.want {
				t.Errorf("QualifiedName(%q, %q) = %q, want %q", tt.serverName, tt.toolName, got, tt.want)
			}
		})
	}
}

func TestSplitQualified(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantServer string
		wantTool   string
		wantOK     bool
	}{
		{
			name:       "server tool",
			input:      "fs.read_file",
			wantServer: "fs",
			wantTool:   "read_file",
			wantOK:     true,
		},
		{
			name:   "undotted built-in",
			input:  "read_file",
			wantOK: false,
		},
		{
			name:   "leading dot",
			input:  ".tool",
			wantOK: false,
		},
		{
			name:   "trailing dot",
			input:  "server.",
			wantOK: false,
		},
		{
			name:       "extra dots belong to the tool",
			input:      "db.get.item",
			wantServer: "db",
			wantTool:   "get.item",
			wantOK:     true,
		},
		{
			name:   "empty string",
			input:  "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, tool, ok := SplitQualified(tt.input)
			if ok != tt.wantOK {
				t.Errorf("SplitQualified(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if server != tt.wantServer {
				t.Errorf("SplitQualified(%q) server = %q, want %q", tt.input, server, tt.wantServer)
			}
			if tool != tt.wantTool {
				t.Errorf("SplitQualified(%q) tool = %q, want %q", tt.input, tool, tt.wantTool)
			}
		})
	}
}

func TestIsQualified(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"server tool", "fs.read", true},
		{"built-in tool", "read_file", false},
		{"leading dot", ".read", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQualified(tt.input); got != tt.want {
				t.Errorf("IsQualified(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNamingRoundTrip(t *testing.T) {
	name := QualifiedName("my-server", "do_thing")
	server, tool, ok := SplitQualified(name)
	if !ok {
		t.Fatalf("SplitQualified(%q) returned ok=false", name)
	}
	if server != "my-server" {
		t.Errorf("server = %q, want %q", server, "my-server")
	}
	if tool != "do_thing" {
		t.Errorf("tool = %q, want %q", tool, "do_thing")
	}
}
