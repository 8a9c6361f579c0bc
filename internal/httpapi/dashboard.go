package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Notebook Relay</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: clamp(1.2rem, 2vw, 1.75rem); }
    h2 { margin: 0 0 10px; font-size: 1rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto; margin-top: 12px; }
    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 10px;
      font: inherit;
    }
    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 16px;
      background: var(--accent);
      color: #fff;
      font: inherit;
      cursor: pointer;
    }

    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .status-active { color: var(--accent); }
    .status-pending { color: var(--accent-2); }
    .status-failed { color: var(--danger); }
    .status-deleted { color: var(--muted); }

    #events { font-family: ui-monospace, monospace; font-size: 0.8rem; max-height: 320px; overflow: auto; }
    #state.warn { color: var(--accent-2); }
    #state.err { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>Notebook Relay</h1>
      <div class="sub">Per-user notebook mappings and live lifecycle events. <span id="state"></span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token with admin:read (leave empty when auth is off)" />
        <button id="refresh">Refresh</button>
      </div>
    </section>
    <section class="card">
      <h2>Mappings</h2>
      <table>
        <thead><tr><th>User</th><th>Status</th><th>Notebook</th><th>Attempts</th><th>Updated</th><th>Last error</th></tr></thead>
        <tbody id="mappings"></tbody>
      </table>
    </section>
    <section class="card">
      <h2>Events</h2>
      <div id="events"></div>
    </section>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        mappings: document.getElementById("mappings"),
        events: document.getElementById("events"),
        state: document.getElementById("state"),
      };
      let socket = null;

      function setStatus(text, kind) {
        dom.state.textContent = text;
        dom.state.className = kind || "";
      }

      function headers() {
        const token = dom.token.value.trim();
        return token ? { Authorization: "Bearer " + token } : {};
      }

      function cell(text) {
        const td = document.createElement("td");
        td.textContent = text == null ? "" : String(text);
        return td;
      }

      async function refresh() {
        window.localStorage.setItem("notebookrelay_dashboard_token", dom.token.value);
        try {
          const resp = await fetch("/v1/notebooks", { headers: headers() });
          const body = await resp.json();
          if (!resp.ok) {
            setStatus(body.message || resp.statusText, "err");
            return;
          }
          dom.mappings.replaceChildren();
          for (const m of body.mappings || []) {
            const tr = document.createElement("tr");
            const status = cell(m.status);
            status.className = "status-" + m.status;
            tr.append(cell(m.userId), status, cell(m.notebookId), cell(m.attempts), cell(m.updatedAt), cell(m.lastError));
            dom.mappings.append(tr);
          }
          setStatus(body.count + " mappings", "");
          connect();
        } catch (err) {
          setStatus(String(err), "err");
        }
      }

      function connect() {
        if (socket) {
          return;
        }
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        const token = dom.token.value.trim();
        const query = token ? "?access_token=" + encodeURIComponent(token) : "";
        socket = new WebSocket(scheme + window.location.host + "/v1/events" + query);
        socket.onmessage = function (msg) {
          const line = document.createElement("div");
          line.textContent = msg.data;
          dom.events.prepend(line);
          refresh();
        };
        socket.onclose = function () {
          socket = null;
          setStatus("event stream closed", "warn");
        };
      }

      dom.refresh.addEventListener("click", refresh);
      dom.token.value = window.localStorage.getItem("notebookrelay_dashboard_token") || "";
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
