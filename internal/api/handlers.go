package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/citewalk/content-pipeline/internal/models"
	"github.com/citewalk/content-pipeline/internal/publishing"
)

type postRequest struct {
	Body       string `json:"body"`
	Visibility string `json:"visibility"`
}

type replyRequest struct {
	Body          string `json:"body"`
	ParentReplyID string `json:"parent_reply_id"`
}

type quoteRequest struct {
	Commentary string `json:"commentary"`
}

type reportRequest struct {
	Reason     string             `json:"reason"`
	TargetType models.ContentKind `json:"target_type"`
}

type searchHit struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	Title     string              `json:"title,omitempty"`
	AuthorID  string              `json:"author_id"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	item, err := s.publisher.Publish(r.Context(), publishing.PublishRequest{
		AuthorID:   userID(r),
		Body:       req.Body,
		Visibility: req.Visibility,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) createReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	item, err := s.publisher.Reply(r.Context(), publishing.ReplyRequest{
		AuthorID:      userID(r),
		PostID:        mux.Vars(r)["id"],
		ParentReplyID: req.ParentReplyID,
		Body:          req.Body,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) createQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	item, err := s.publisher.Quote(r.Context(), userID(r), mux.Vars(r)["id"], req.Commentary)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) deleteContent(w http.ResponseWriter, r *http.Request) {
	if err := s.publisher.SoftDelete(r.Context(), userID(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reportContent(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	outcome, err := s.publisher.Report(r.Context(), publishing.ReportRequest{
		ReporterID: userID(r),
		TargetID:   mux.Vars(r)["id"],
		TargetType: req.TargetType,
		Reason:     req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) userFeed(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.RecentFeed(r.Context(), mux.Vars(r)["id"], limitParam(r, 50, 500))
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"items": ids})
}

func (s *Server) searchContent(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "search disabled"})
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, &publishing.ValidationError{Field: "q", Message: "must not be empty"})
		return
	}

	results, err := s.search.Search(r.Context(), q, limitParam(r, 20, 100))
	if err != nil {
		writeError(w, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			ID:        res.ID,
			Kind:      res.Kind,
			Title:     res.Title,
			AuthorID:  res.AuthorID,
			Score:     res.Score,
			Fragments: res.Fragments,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]searchHit{"results": hits})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListNotifications(r.Context(), userID(r), limitParam(r, 50, 200))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string][]models.Notification{"notifications": list})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkNotificationRead(r.Context(), userID(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) parkedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.Parked(r.Context(), limitParam(r, 50, 500))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) replayJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, &publishing.ValidationError{Field: "id", Message: "must be a job number"})
		return
	}

	if err := s.jobs.Replay(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job replayed successfully"})
}
