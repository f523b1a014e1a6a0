package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgnsrekt/whereami/internal/extract"
	"github.com/dgnsrekt/whereami/internal/imagecache"
	"github.com/dgnsrekt/whereami/internal/location"
	"github.com/dgnsrekt/whereami/internal/qr"
)

// placeholder is returned by the text endpoints when there is nothing to show.
const placeholder = "N/A"

func (s *Server) handleCurrentWorldInfo(w http.ResponseWriter, r *http.Request) {
	s.writeText(w, worldInfo(s.deps.State.Current()))
}

// worldInfo renders `"Name" by Author: <world url>`, falling back to the bare
// world URL until the name is known.
func worldInfo(loc *location.Location) string {
	if loc == nil {
		return placeholder
	}
	if loc.WorldName == "" {
		return loc.WorldURL()
	}
	author := loc.AuthorName
	if author == "" {
		author = placeholder
	}
	return fmt.Sprintf("\"%s\" by %s: %s", loc.WorldName, author, loc.WorldURL())
}

func (s *Server) handleCurrentRoomLink(w http.ResponseWriter, r *http.Request) {
	loc := s.deps.State.Current()
	if loc == nil || loc.JoinURL == "" {
		s.writeText(w, placeholder)
		return
	}
	s.writeText(w, loc.JoinURL)
}

func (s *Server) handleWorldImage(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "world")
	if !extract.ValidWorldID(worldID) {
		http.NotFound(w, r)
		return
	}

	entry, err := s.deps.Images.Get(r.Context(), worldID)
	if err != nil {
		switch {
		case errors.Is(err, imagecache.ErrUnknownWorld), errors.Is(err, imagecache.ErrNoImage):
			http.NotFound(w, r)
		case r.Context().Err() != nil:
			// Client went away.
		default:
			s.logger.Warn("image fetch failed", zap.String("world", worldID), zap.Error(err))
			http.Error(w, "image fetch failed", http.StatusBadGateway)
		}
		return
	}

	f, err := s.deps.Images.Open(entry)
	if err != nil {
		s.logger.Error("opening cached image", zap.String("world", worldID), zap.Error(err))
		http.Error(w, "image unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	if entry.ContentHash != "" {
		w.Header().Set("ETag", `"`+entry.ContentHash+`"`)
	}
	http.ServeContent(w, r, "", entry.FetchedAt, f)
}

func (s *Server) handleWorldQR(w http.ResponseWriter, r *http.Request) {
	worldID := chi.URLParam(r, "world")
	if !extract.ValidWorldID(worldID) || !s.deps.Images.Known(worldID) {
		http.NotFound(w, r)
		return
	}
	s.writeQR(w, location.WorldURL(worldID))
}

func (s *Server) handleRoomQR(w http.ResponseWriter, r *http.Request) {
	worldID, instanceID, ok := strings.Cut(chi.URLParam(r, "room"), ":")
	if !ok || !extract.ValidWorldID(worldID) || !extract.ValidInstanceID(instanceID) || !s.deps.Images.Known(worldID) {
		http.NotFound(w, r)
		return
	}

	// Rooms whose join link is withheld do not get one through the QR either.
	if loc := s.deps.State.Current(); loc != nil && loc.WorldID == worldID && loc.InstanceID == instanceID && loc.JoinURL == "" {
		http.NotFound(w, r)
		return
	}
	s.writeQR(w, location.LaunchURL(worldID, instanceID))
}

func (s *Server) writeQR(w http.ResponseWriter, text string) {
	svg, err := qr.SVG(text)
	if err != nil {
		s.logger.Error("rendering qr code", zap.Error(err))
		http.Error(w, "qr rendering failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml; charset=utf-8")
	if _, err := w.Write(svg); err != nil {
		s.logger.Debug("failed to write qr code", zap.Error(err))
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Seq         uint64 `json:"seq"`
	Subscribers int    `json:"subscribers"`
	InWorld     bool   `json:"inWorld"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loc, seq := s.deps.Feed.Current()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Seq:         seq,
		Subscribers: s.deps.Feed.Len(),
		InWorld:     loc != nil,
	}); err != nil {
		s.logger.Debug("failed to encode health response", zap.Error(err))
	}
}

func (s *Server) writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}
