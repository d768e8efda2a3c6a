package webmonitor

import "html/template"

// indexData is rendered into the index page. Live updates come from
// /api/status/stream after load.
type indexData struct {
	Title        string
	StartEnabled bool
	StopEnabled  bool
	Status       string
	Error        string
	Records      []recordView
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #16161d; color: #e6e6e6; margin: 0; }
        .app { max-width: 960px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 4px 10px; border-radius: 10px; background: #333; font-size: 13px; }
        .badge.capturing { background: #b3261e; }
        .badge.watching { background: #1e6bb3; }
        .controls { margin: 12px 0; display: flex; gap: 8px; }
        button { padding: 8px 20px; font-size: 15px; border-radius: 4px; border: 0; cursor: pointer; }
        button:disabled { opacity: 0.4; cursor: default; }
        #btn-start { background: #2e7d32; color: #fff; }
        #btn-stop { background: #c62828; color: #fff; }
        #live { width: 100%; background: #000; }
        .error { color: #ff8a80; min-height: 1.2em; }
        table { width: 100%; border-collapse: collapse; margin-top: 12px; }
        th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #333; }
        a { color: #90caf9; }
    </style>
</head>
<body>
<div class="app">
    <div class="header">
        <h2>{{.Title}}</h2>
        <span class="badge" id="status-badge">{{.Status}}</span>
    </div>

    <img id="live" src="/stream" alt="Live camera feed">

    <div class="controls">
        <button type="button" id="btn-start"{{if not .StartEnabled}} disabled{{end}}>Start</button>
        <button type="button" id="btn-stop"{{if not .StopEnabled}} disabled{{end}}>Stop</button>
    </div>
    <div class="error" id="error">{{.Error}}</div>

    <table>
        <thead><tr><th>S.N</th><th>Records</th><th>Frames</th><th>Duration</th><th></th></tr></thead>
        <tbody id="records">
        {{range .Records}}
            <tr>
                <td>{{.Index}}</td>
                <td><a href="{{.URL}}" target="_blank">{{.Time}}</a></td>
                <td>{{.Frames}}</td>
                <td>{{.DurationText}}</td>
                <td><a href="{{.URL}}?download=1">download</a></td>
            </tr>
        {{end}}
        </tbody>
    </table>
</div>
<script>
(function () {
    const startBtn = document.getElementById('btn-start');
    const stopBtn = document.getElementById('btn-stop');
    const badge = document.getElementById('status-badge');
    const errorBox = document.getElementById('error');
    const tbody = document.getElementById('records');
    let recordCount = tbody.rows.length;

    function statusText(s) {
        if (s.init_error) return 'startup failed';
        if (s.starting) return 'getting ready...';
        return s.state;
    }

    function apply(s) {
        startBtn.disabled = !s.start_enabled;
        stopBtn.disabled = !s.stop_enabled;
        badge.textContent = statusText(s);
        badge.className = 'badge ' + s.state;
        errorBox.textContent = s.init_error || s.last_error || '';
        if (s.records !== recordCount) {
            recordCount = s.records;
            refreshRecords();
        }
    }

    async function refreshRecords() {
        const resp = await fetch('/api/records');
        const list = await resp.json();
        tbody.innerHTML = '';
        for (const r of list.records) {
            const tr = document.createElement('tr');
            const link = document.createElement('a');
            link.href = r.url;
            link.target = '_blank';
            link.textContent = r.time;
            const dl = document.createElement('a');
            dl.href = r.url + '?download=1';
            dl.textContent = 'download';
            [String(r.index), link, String(r.frames), r.duration_text, dl].forEach(function (v) {
                const td = document.createElement('td');
                if (typeof v === 'string') { td.textContent = v; } else { td.appendChild(v); }
                tr.appendChild(td);
            });
            tbody.appendChild(tr);
        }
    }

    async function post(path) {
        startBtn.disabled = true;
        stopBtn.disabled = true;
        const resp = await fetch(path, { method: 'POST' });
        const body = await resp.json();
        if (!resp.ok) {
            errorBox.textContent = body.error || resp.statusText;
        }
        if (body.status) {
            apply(body.status);
        }
    }

    startBtn.addEventListener('click', function () { post('/api/start'); });
    stopBtn.addEventListener('click', function () { post('/api/stop'); });

    const events = new EventSource('/api/status/stream');
    events.onmessage = function (e) { apply(JSON.parse(e.data)); };
})();
</script>
</body>
</html>
`))
