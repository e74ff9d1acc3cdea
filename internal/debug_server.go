package internal

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lanmeet/domain"
	"lanmeet/observability"
	"lanmeet/runtime"
	"lanmeet/storage"
)

//go:embed inspect.html
var templatesFS embed.FS

// DebugServer exposes a read-only HTML inspector over the live relay:
// telemetry snapshot, rooms, participants with per-stream clocks, the
// recent transfer feed and, when the chat index is enabled, full-text
// search over recent messages. It never mutates relay state.
type DebugServer struct {
	log        *slog.Logger
	addr       string
	registry   *runtime.Registry
	monitoring *observability.MonitoringManager
	history    *storage.ChatIndex
}

// NewDebugServer wires the inspector. history may be nil, which
// disables the search endpoints but keeps the dashboard.
func NewDebugServer(log *slog.Logger, addr string, registry *runtime.Registry, monitoring *observability.MonitoringManager, history *storage.ChatIndex) *DebugServer {
	return &DebugServer{
		log:        log,
		addr:       addr,
		registry:   registry,
		monitoring: monitoring,
		history:    history,
	}
}

type RoomRow struct {
	ID      string
	Name    string
	Created string
	Size    int
}

type ParticipantRow struct {
	ID      string
	Name    string
	Meeting string
	Media   string
	Video   string
	Audio   string
	Screen  string
	Control string
}

type SearchRow struct {
	At     string
	Author string
	Text   string
}

type PageData struct {
	GeneratedAt  string
	Stats        observability.RelayStats
	RSSMb        uint64
	Rooms        []RoomRow
	Participants []ParticipantRow
	SearchOn     bool
	Room         string
	Query        string
	Total        uint64
	Results      []SearchRow
}

// Run serves until the context is cancelled, then shuts the listener
// down gracefully so in-flight page loads finish.
func (s *DebugServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	tmpl := template.Must(template.ParseFS(templatesFS, "inspect.html"))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.renderPage(w, r, tmpl)
	})
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/rooms", s.handleRooms)
	mux.HandleFunc("/search", s.handleSearch)

	server := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Debug inspector listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *DebugServer) renderPage(w http.ResponseWriter, r *http.Request, tmpl *template.Template) {
	now := time.Now()
	data := PageData{
		GeneratedAt: now.Format("15:04:05"),
		Stats:       s.monitoring.GetLatest(),
		SearchOn:    s.history != nil,
		Room:        r.URL.Query().Get("room"),
		Query:       r.URL.Query().Get("q"),
	}
	data.RSSMb = data.Stats.RSSBytes / 1024 / 1024

	meetings := make(map[domain.RoomID]string)
	for _, room := range s.registry.Rooms() {
		meetings[room.ID] = room.Name
		data.Rooms = append(data.Rooms, RoomRow{
			ID:      strconv.FormatUint(uint64(room.ID), 10),
			Name:    room.Name,
			Created: room.CreatedAt.Format("15:04:05"),
			Size:    len(room.Members),
		})
	}

	for _, p := range s.registry.Participants() {
		row := ParticipantRow{
			ID:      strconv.FormatUint(uint64(p.ID), 10),
			Name:    p.Name,
			Meeting: meetings[p.Room],
			Media:   "-",
			Video:   streamCell(&p, domain.StreamVideo, now),
			Audio:   streamCell(&p, domain.StreamAudio, now),
			Screen:  streamCell(&p, domain.StreamScreen, now),
			Control: age(now, p.LastControl),
		}
		if p.MediaAddr != nil {
			row.Media = p.MediaAddr.String()
		}
		data.Participants = append(data.Participants, row)
	}

	if data.SearchOn && data.Query != "" {
		if roomID, err := parseRoomID(data.Room); err == nil {
			results, total, err := s.history.Search(r.Context(), roomID, data.Query, 20)
			if err != nil {
				s.log.Debug("Inspector search failed", "error", err)
			}
			data.Total = total
			for _, entry := range results {
				data.Results = append(data.Results, SearchRow{
					At:     entry.At.Format("15:04:05"),
					Author: entry.Author,
					Text:   entry.Text,
				})
			}
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = tmpl.Execute(w, data)
}

func (s *DebugServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.monitoring.GetLatest())
}

func (s *DebugServer) handleRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.registry.Rooms())
}

func (s *DebugServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "recent-chat search is disabled", http.StatusNotFound)
		return
	}

	roomID, err := parseRoomID(r.URL.Query().Get("room"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			http.Error(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	query := r.URL.Query().Get("q")
	results, total, err := s.history.Search(r.Context(), roomID, query, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []storage.ChatEntry{}
	}

	writeJSON(w, map[string]any{
		"room":    roomID,
		"query":   query,
		"total":   total,
		"results": results,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func streamCell(p *domain.Participant, s domain.StreamType, now time.Time) string {
	if p.Stale(s) {
		return "stale"
	}
	return age(now, p.SeenAt(s))
}

// age renders how long ago t happened, short enough for a table cell.
func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(100 * time.Millisecond).String()
}

func parseRoomID(raw string) (domain.RoomID, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("room id %q is not a uint32", raw)
	}
	return domain.RoomID(v), nil
}
