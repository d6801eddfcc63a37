package harness

import (
	"strings"
	"testing"

	"github.com/seantiz/cellrun/internal/model"
)

func TestDemuxEmpty(t *testing.T) {
	got := Demux("", "")
	if got.Text != "" || got.Image != "" || got.Error != "" || len(got.Images) != 0 {
		t.Errorf("Demux(empty) = %+v, want zero fields", got)
	}
	if got.Kind != model.KindText {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindText)
	}
}

func TestDemuxText(t *testing.T) {
	tests := []struct {
		stdout string
		want   string
	}{
		{"hello\n", "hello"},
		{"  padded  \n\n", "padded"},
		{"a\nb\n", "a\nb"},
	}
	for _, tt := range tests {
		if got := Demux(tt.stdout, "").Text; got != tt.want {
			t.Errorf("Demux(%q).Text = %q, want %q", tt.stdout, got, tt.want)
		}
	}
}

func TestDemuxImages(t *testing.T) {
	stdout := "before\n" + ImagePrefix + "AAAA\nmiddle\n" + ImagePrefix + "BBBB\r\nafter\n"
	got := Demux(stdout, "")

	if got.Kind != model.KindImage {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindImage)
	}
	if got.Image != "AAAA" {
		t.Errorf("Image = %q, want %q", got.Image, "AAAA")
	}
	if len(got.Images) != 2 || got.Images[1] != "BBBB" {
		t.Errorf("Images = %v, want [AAAA BBBB]", got.Images)
	}
	if got.Text != "before\nmiddle\nafter" {
		t.Errorf("Text = %q, want %q", got.Text, "before\nmiddle\nafter")
	}
}

func TestDemuxDocumentSupersedes(t *testing.T) {
	payload := "<html>\n<body>" + ImagePrefix + "notanimage</body>\n</html>"
	stdout := "noise\n" + DocBegin + "\n" + payload + "\n" + DocEnd + "\ntrailing\n"
	got := Demux(stdout, "")

	if got.Kind != model.KindDocument {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindDocument)
	}
	if got.Text != payload {
		t.Errorf("Text = %q, want %q", got.Text, payload)
	}
	if got.Image != "" {
		t.Errorf("Image = %q, want empty", got.Image)
	}
}

func TestDemuxUnterminatedDocument(t *testing.T) {
	stdout := DocBegin + "\npartial"
	got := Demux(stdout, "")
	if got.Kind != model.KindText {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindText)
	}
	if got.Text != strings.TrimSpace(stdout) {
		t.Errorf("Text = %q, want raw stdout", got.Text)
	}
}

func TestDemuxPartialOutputAndError(t *testing.T) {
	got := Demux("partial\n", "Traceback (most recent call last):\nValueError: boom\n")
	if got.Text != "partial" {
		t.Errorf("Text = %q, want %q", got.Text, "partial")
	}
	if !strings.HasSuffix(got.Error, "ValueError: boom") {
		t.Errorf("Error = %q, want traceback", got.Error)
	}
	if !got.Failed() {
		t.Error("Failed() = false, want true")
	}
}

func TestDemuxErrorBeforeOutput(t *testing.T) {
	got := Demux("", "NameError: name 'x' is not defined")
	if got.Text != "" {
		t.Errorf("Text = %q, want empty", got.Text)
	}
	if got.Error == "" {
		t.Error("Error is empty")
	}
}

func TestDemuxMissingDependencyHint(t *testing.T) {
	stderr := "ModuleNotFoundError: No module named 'sklearn.linear_model'"
	got := Demux("", stderr)
	if !strings.HasPrefix(got.Error, stderr) {
		t.Errorf("Error = %q, want original diagnostic kept", got.Error)
	}
	if !strings.Contains(got.Error, `InstallDependency("sklearn")`) {
		t.Errorf("Error = %q, want hint naming sklearn", got.Error)
	}
}

func TestMissingDependency(t *testing.T) {
	tests := []struct {
		errText string
		want    string
	}{
		{"ModuleNotFoundError: No module named 'pandas'", "pandas"},
		{"No module named 'scipy.stats'", "scipy"},
		{"cannot load plotting.star: module not available", "plotting"},
		{"ZeroDivisionError: division by zero", ""},
	}
	for _, tt := range tests {
		if got := MissingDependency(tt.errText); got != tt.want {
			t.Errorf("MissingDependency(%q) = %q, want %q", tt.errText, got, tt.want)
		}
	}
}
