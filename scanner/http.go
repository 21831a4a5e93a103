package scanner

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/a11yscan/connectivity"
	"github.com/hazyhaar/a11yscan/horosafe"
	"github.com/hazyhaar/a11yscan/resultstore"
	"github.com/hazyhaar/a11yscan/shield"
)

// HTTPOptions configures NewHTTPHandler.
type HTTPOptions struct {
	Scanner *Scanner
	Router  *connectivity.Router
	// MCP, when set, is served at /mcp over streamable HTTP.
	MCP         *mcp.Server
	RateLimiter *shield.RateLimiter
	MaxBody     int64
	Logger      *slog.Logger
}

type httpAPI struct {
	scanner *Scanner
	router  *connectivity.Router
	client  *Client
	maxBody int64
	logger  *slog.Logger
}

// NewHTTPHandler returns the HTTP API:
//
//	GET    /health
//	POST   /rpc/{service}              raw protocol call
//	POST   /api/scans                  RUN_SCAN
//	GET    /api/reports/{tabID}?url=&format=json|html|sarif|md|pdf
//	POST   /api/tabs/{tabID}/navigate  {"url": ...}
//	DELETE /api/tabs/{tabID}
//	/mcp                               MCP streamable HTTP
func NewHTTPHandler(o HTTPOptions) http.Handler {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxBody <= 0 {
		o.MaxBody = shield.DefaultMaxBody
	}
	api := &httpAPI{
		scanner: o.Scanner,
		router:  o.Router,
		client:  NewClient(o.Router),
		maxBody: o.MaxBody,
		logger:  o.Logger,
	}

	r := chi.NewRouter()
	for _, mw := range shield.APIStack(o.MaxBody, o.RateLimiter) {
		r.Use(mw)
	}
	r.Use(middleware.GetHead)

	r.Get("/health", api.health)
	r.Post("/rpc/{service}", api.rpc)
	r.Route("/api", func(r chi.Router) {
		r.Post("/scans", api.createScan)
		r.Get("/reports/{tabID}", api.getReport)
		r.Post("/tabs/{tabID}/navigate", api.navigateTab)
		r.Delete("/tabs/{tabID}", api.closeTab)
	})
	if o.MCP != nil {
		srv := o.MCP
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	}
	return r
}

func (a *httpAPI) health(w http.ResponseWriter, _ *http.Request) {
	var services []connectivity.ServiceInfo
	for info := range a.router.ListServices() {
		services = append(services, info)
	}
	tabs := 0
	if a.scanner != nil {
		tabs = len(a.scanner.Tabs())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"tabs":     tabs,
		"services": services,
	})
}

func (a *httpAPI) rpc(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	payload, err := horosafe.LimitedReadAll(r.Body, a.maxBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	out, err := a.router.Call(r.Context(), service, payload)
	if err != nil {
		shield.GetLogger(r.Context()).Warn("scanner: rpc failed", "service", service, "error", err)
		writeError(w, errorStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (a *httpAPI) createScan(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.client.RunScan(r.Context(), req)
	if err != nil {
		var se *ScanError
		if errors.As(err, &se) {
			writeJSON(w, errorStatus(se), RunScanResponse{Error: se})
			return
		}
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, RunScanResponse{
		Success: true,
		Key:     &res.Key,
		Stored:  res.Stored,
		Report:  res.Report,
	})
}

func (a *httpAPI) getReport(w http.ResponseWriter, r *http.Request) {
	key := resultstore.Key{TabID: chi.URLParam(r, "tabID"), URL: r.URL.Query().Get("url")}
	if key.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url query parameter required"))
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatJSON
	}
	doc, err := a.client.Export(r.Context(), key, format)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body())
}

func (a *httpAPI) navigateTab(w http.ResponseWriter, r *http.Request) {
	if a.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, ErrPageUnavailable)
		return
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("body must be {\"url\": ...}"))
		return
	}
	tabID := chi.URLParam(r, "tabID")
	if err := a.scanner.NavigateTab(r.Context(), tabID, body.URL); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tab_id": tabID, "url": body.URL})
}

func (a *httpAPI) closeTab(w http.ResponseWriter, r *http.Request) {
	if a.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, ErrPageUnavailable)
		return
	}
	if err := a.scanner.CloseTab(chi.URLParam(r, "tabID")); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorStatus maps scanner and router errors to HTTP status codes.
func errorStatus(err error) int {
	var (
		se       *ScanError
		remote   *connectivity.ErrRemote
		notFound *connectivity.ErrServiceNotFound
		open     *connectivity.ErrCircuitOpen
	)
	switch {
	case errors.As(err, &se):
		switch se.Kind {
		case KindPageUnavailable:
			return http.StatusNotFound
		case KindScanAlreadyInProgress:
			return http.StatusConflict
		case KindScanTimeout:
			return http.StatusGatewayTimeout
		case KindEngineUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	case errors.As(err, &remote):
		if remote.Status >= 400 && remote.Status < 600 {
			return remote.Status
		}
		return http.StatusBadGateway
	case errors.As(err, &notFound), errors.Is(err, ErrReportNotFound), errors.Is(err, ErrTabNotFound):
		return http.StatusNotFound
	case errors.As(err, &open):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnknownFormat),
		errors.Is(err, horosafe.ErrUnsafeScheme), errors.Is(err, horosafe.ErrPrivateAddress):
		return http.StatusBadRequest
	case errors.Is(err, horosafe.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
