package harness

import (
	"strings"
)

// Python wraps CPython source with figure and document capture.
type Python struct{}

// Name implements Builder.
func (Python) Name() string { return "python" }

// Build implements Builder.
func (Python) Build(code string, wrap bool) string {
	if !wrap {
		return code
	}

	var b strings.Builder
	b.Grow(len(pythonPreamble) + len(CodeMarker) + len(code) + len(pythonPostamble) + 3)
	b.WriteString(pythonPreamble)
	b.WriteString(CodeMarker)
	b.WriteByte('\n')
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(pythonPostamble)
	return b.String()
}

// pythonPreamble imports the conventional data libraries when present and
// replaces matplotlib's and bokeh's show with sentinel writers. Every import
// is optional. The libraries are held under private names; np, pd and plt are
// bound only while the user has not bound those names.
var pythonPreamble = strings.NewReplacer(
	"{{IMAGE}}", ImagePrefix,
	"{{DOC_BEGIN}}", DocBegin,
	"{{DOC_END}}", DocEnd,
).Replace(`import base64 as _cellrun_base64
import io as _cellrun_io
try:
    import numpy as _cellrun_np
    if "np" not in globals():
        np = _cellrun_np
except Exception:
    pass
try:
    import pandas as _cellrun_pd
    if "pd" not in globals():
        pd = _cellrun_pd
except Exception:
    pass
_cellrun_show = None
try:
    import matplotlib as _cellrun_mpl
    _cellrun_mpl.use("Agg")
    import matplotlib.pyplot as _cellrun_plt

    def _cellrun_show(*_args, **_kwargs):
        for _num in _cellrun_plt.get_fignums():
            _buf = _cellrun_io.BytesIO()
            _cellrun_plt.figure(_num).savefig(_buf, format="png", bbox_inches="tight")
            print("{{IMAGE}}" + _cellrun_base64.b64encode(_buf.getvalue()).decode("ascii"))
        _cellrun_plt.close("all")

    _cellrun_plt.show = _cellrun_show
    if "plt" not in globals():
        plt = _cellrun_plt
except Exception:
    _cellrun_show = None
try:
    import bokeh.io as _cellrun_bokeh_io
    import bokeh.plotting as _cellrun_bokeh_plotting
    from bokeh.embed import file_html as _cellrun_file_html
    from bokeh.resources import CDN as _cellrun_cdn

    def _cellrun_bokeh_show(_obj, *_args, **_kwargs):
        print("{{DOC_BEGIN}}")
        print(_cellrun_file_html(_obj, _cellrun_cdn))
        print("{{DOC_END}}")

    _cellrun_bokeh_io.show = _cellrun_bokeh_show
    _cellrun_bokeh_plotting.show = _cellrun_bokeh_show
except Exception:
    pass
`)

// pythonPostamble captures any figure the user code left open.
const pythonPostamble = `if _cellrun_show is not None:
    _cellrun_show()
`
