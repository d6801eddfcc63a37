package isolated

import (
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/cellrun/internal/harness"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

// fakeLibs are minimal stand-ins for the plotting libraries the Python
// harness intercepts. Figures render as "PNG-<num>".
var fakeLibs = map[string]string{
	"numpy/__init__.py":      "",
	"matplotlib/__init__.py": "def use(name, *args, **kwargs):\n    pass\n",
	"matplotlib/pyplot.py": `_figs = {}
_next = [1]


class Figure:
    def __init__(self, num):
        self.num = num

    def savefig(self, buf, format=None, **kwargs):
        buf.write(b"PNG-%d" % self.num)


def figure(num=None):
    if num is None:
        num = _next[0]
        _next[0] += 1
    if num not in _figs:
        _figs[num] = Figure(num)
    return _figs[num]


def plot(*args, **kwargs):
    if not _figs:
        figure()


def get_fignums():
    return sorted(_figs)


def close(which="all"):
    _figs.clear()


def show(*args, **kwargs):
    raise RuntimeError("show was not intercepted")
`,
	"bokeh/__init__.py":  "",
	"bokeh/io.py":        "def show(obj, *args, **kwargs):\n    raise RuntimeError(\"show was not intercepted\")\n",
	"bokeh/plotting.py":  "from bokeh.io import show\n\n\ndef figure(*args, **kwargs):\n    return object()\n",
	"bokeh/embed.py":     "def file_html(obj, resources):\n    return \"<html>fake bokeh document</html>\"\n",
	"bokeh/resources.py": "CDN = \"cdn\"\n",
}

// newCaptureBackend starts a process backend whose interpreter sees fakeLibs.
func newCaptureBackend(t *testing.T) *Backend {
	t.Helper()
	if _, err := exec.LookPath(session.DefaultPython); err != nil {
		t.Skip("python3 not available")
	}

	dir := t.TempDir()
	for name, src := range fakeLibs {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	launcher := &session.ProcessLauncher{Env: []string{"PYTHONPATH=" + dir}}
	cfg := session.Config{StartupTimeout: 20 * time.Second, CallTimeout: 20 * time.Second}
	b := New(model.IsolationProcess, launcher, cfg, nil)
	if _, err := b.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

func runWrapped(t *testing.T, b *Backend, code string) model.ExecutionResult {
	t.Helper()
	out, err := b.Execute(context.Background(), b.Harness().Build(code, true))
	if err != nil {
		t.Fatalf("Execute(%q): %v", code, err)
	}
	return harness.Demux(out.Stdout, out.Stderr)
}

func decodeFigure(t *testing.T, payload string) string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("decode image: %v", err)
	}
	return string(data)
}

func TestCaptureUnshownFigure(t *testing.T) {
	b := newCaptureBackend(t)

	res := runWrapped(t, b, "plt.plot([1, 2])\nprint('drawn')")
	if res.Failed() {
		t.Fatalf("guest error: %s", res.Error)
	}
	if res.Kind != model.KindImage || len(res.Images) != 1 {
		t.Fatalf("Kind = %q with %d images, want one image", res.Kind, len(res.Images))
	}
	if got := decodeFigure(t, res.Image); !strings.HasPrefix(got, "PNG-") {
		t.Errorf("image = %q, want a rendered figure", got)
	}
	if res.Text != "drawn" {
		t.Errorf("Text = %q, want %q", res.Text, "drawn")
	}
}

func TestCaptureShownFigureOnce(t *testing.T) {
	b := newCaptureBackend(t)

	res := runWrapped(t, b, "import matplotlib.pyplot as plt\nplt.plot([1])\nplt.show()")
	if res.Failed() {
		t.Fatalf("guest error: %s", res.Error)
	}
	if len(res.Images) != 1 {
		t.Fatalf("got %d images, want exactly 1", len(res.Images))
	}

	res = runWrapped(t, b, "print('no figure')")
	if res.Kind != model.KindText || len(res.Images) != 0 {
		t.Errorf("Kind = %q with %d images after figures were closed, want text", res.Kind, len(res.Images))
	}
}

func TestCaptureBokehDocument(t *testing.T) {
	b := newCaptureBackend(t)

	res := runWrapped(t, b, "from bokeh.plotting import figure, show\nshow(figure())")
	if res.Failed() {
		t.Fatalf("guest error: %s", res.Error)
	}
	if res.Kind != model.KindDocument {
		t.Fatalf("Kind = %q, want %q", res.Kind, model.KindDocument)
	}
	if res.Text != "<html>fake bokeh document</html>" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestCaptureKeepsUserBindings(t *testing.T) {
	b := newCaptureBackend(t)

	runWrapped(t, b, "np = 1\nplt = 'mine'")
	res := runWrapped(t, b, "print(np, plt)")
	if res.Text != "1 mine" {
		t.Errorf("Text = %q, want %q", res.Text, "1 mine")
	}
}

func TestCaptureTracebackLineNumbers(t *testing.T) {
	b := newCaptureBackend(t)

	res := runWrapped(t, b, "1/0")
	if !strings.Contains(res.Error, `File "<cell>", line 1,`) {
		t.Errorf("Error = %q, want the failure reported on line 1", res.Error)
	}

	res = runWrapped(t, b, "x = 1\ndef (")
	if !strings.Contains(res.Error, "line 2") || !strings.Contains(res.Error, "SyntaxError") {
		t.Errorf("Error = %q, want a SyntaxError on line 2", res.Error)
	}
}
