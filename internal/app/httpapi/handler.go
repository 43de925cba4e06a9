package httpapi

import (
	"html/template"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	svcerrors "github.com/R3E-Network/chatsphere/internal/errors"
	"github.com/R3E-Network/chatsphere/internal/httputil"
	"github.com/R3E-Network/chatsphere/internal/middleware"
)

// writeError renders err and logs anything that is not a client error.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := svcerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteError(w, err)
}

// callerID returns the authenticated user id. Routes using it sit behind the
// auth middleware so it is always set.
func callerID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>ChatSphere API</title>
  <style>
    body { font-family: 'Segoe UI', Tahoma, sans-serif; background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); min-height: 100vh; margin: 0; display: flex; align-items: center; justify-content: center; }
    .container { background: #fff; border-radius: 20px; max-width: 800px; width: 100%; padding: 40px; box-shadow: 0 20px 60px rgba(0,0,0,.3); }
    h1 { color: #667eea; text-align: center; }
    .version { display: inline-block; background: #667eea; color: #fff; padding: 5px 15px; border-radius: 20px; font-size: 14px; }
    .status { margin: 20px 0; padding: 15px; background: #e8f5e9; border-left: 4px solid #4caf50; border-radius: 10px; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 20px; }
    .card { background: #f5f5f5; padding: 20px; border-radius: 10px; text-align: center; }
    .endpoint { background: #667eea; color: #fff; padding: 16px 20px; border-radius: 12px; margin-top: 12px; display: flex; justify-content: space-between; }
    code { font-family: 'Courier New', monospace; }
  </style>
</head>
<body>
  <div class="container">
    <h1>ChatSphere API <span class="version">v{{.Version}}</span></h1>
    <div class="status"><strong>Status:</strong> Server is running smoothly</div>
    <div class="grid">
      <div class="card"><div>Environment</div><strong>{{.Environment}}</strong></div>
      <div class="card"><div>Uptime</div><strong>{{.Uptime}}s</strong></div>
      <div class="card"><div>Timestamp</div><strong>{{.Timestamp}}</strong></div>
    </div>
    <h2>Available Endpoints</h2>
    {{range .Endpoints}}<div class="endpoint"><span>{{.Name}}</span><code>{{.Path}}</code></div>
    {{end}}
  </div>
</body>
</html>
`))

type endpoint struct {
	Name string
	Path string
}

var landingEndpoints = []endpoint{
	{Name: "Authentication", Path: "/api/auth"},
	{Name: "Users", Path: "/api/users"},
	{Name: "Contacts", Path: "/api/contacts"},
	{Name: "Messages", Path: "/api/messages"},
	{Name: "Realtime", Path: "/api/ws"},
	{Name: "Health Check", Path: "/health"},
}

func (h *handler) uptime() int64 {
	return int64(time.Since(h.app.StartedAt).Seconds())
}

func (h *handler) landing(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Version     string
		Environment string
		Uptime      int64
		Timestamp   string
		Endpoints   []endpoint
	}{
		Version:     Version,
		Environment: h.opts.Environment,
		Uptime:      h.uptime(),
		Timestamp:   time.Now().UTC().Format("15:04:05 UTC"),
		Endpoints:   landingEndpoints,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTemplate.Execute(w, data); err != nil {
		h.log.WithError(err).Warn("render landing page")
	}
}

type memoryStats struct {
	RSS             uint64  `json:"rss"`
	HeapAlloc       uint64  `json:"heapAlloc"`
	HeapSys         uint64  `json:"heapSys"`
	SystemTotal     uint64  `json:"systemTotal,omitempty"`
	SystemUsedRatio float64 `json:"systemUsedPercent,omitempty"`
}

type healthData struct {
	Uptime      int64       `json:"uptime"`
	Version     string      `json:"version"`
	Environment string      `json:"environment"`
	Goroutines  int         `json:"goroutines"`
	Memory      memoryStats `json:"memory"`
	Connections int         `json:"connections"`
	OnlineUsers int         `json:"onlineUsers"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := memoryStats{HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys}

	if proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(r.Context()); err == nil && info != nil {
			stats.RSS = info.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil && vm != nil {
		stats.SystemTotal = vm.Total
		stats.SystemUsedRatio = vm.UsedPercent
	}

	conns, online := h.app.Hub.Stats()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "Server is healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"data": healthData{
			Uptime:      h.uptime(),
			Version:     Version,
			Environment: h.opts.Environment,
			Goroutines:  runtime.NumGoroutine(),
			Memory:      stats,
			Connections: conns,
			OnlineUsers: online,
		},
	})
}
