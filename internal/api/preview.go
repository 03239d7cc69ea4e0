package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/castnode/internal/api/models"
	"github.com/smazurov/castnode/internal/preview"
)

// registerPreviewRoutes registers the WebRTC preview of the stream. Nothing
// is registered when the preview relay is disabled.
func (s *Server) registerPreviewRoutes() {
	if s.relay == nil || s.viewers == nil {
		return
	}
	path := s.options.PreviewPath

	huma.Register(s.api, huma.Operation{
		OperationID: "get-preview",
		Method:      http.MethodGet,
		Path:        "/api/preview",
		Summary:     "Preview Status",
		Description: "Whether the outgoing stream can be watched locally and how many viewers are connected",
		Tags:        []string{"preview"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.PreviewResponse, error) {
		return &models.PreviewResponse{
			Body: models.PreviewData{
				Live:    s.relay.Live(path),
				Path:    path,
				Viewers: s.viewers.Count(),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "preview-webrtc-offer",
		Method:      http.MethodPost,
		Path:        "/api/preview/webrtc",
		Summary:     "Preview WebRTC Signaling",
		Description: "Exchange an SDP offer for an answer to watch the outgoing stream",
		Tags:        []string{"preview"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404},
	}, func(_ context.Context, input *models.PreviewOfferRequest) (*models.PreviewAnswerResponse, error) {
		answer, err := s.viewers.Offer(path, string(input.RawBody))
		if errors.Is(err, preview.ErrNotLive) {
			return nil, huma.Error404NotFound("preview is not live; enable streaming first")
		}
		if err != nil {
			return nil, huma.Error400BadRequest("webrtc negotiation failed", err)
		}
		return &models.PreviewAnswerResponse{
			ContentType: "application/sdp",
			Body:        []byte(answer),
		}, nil
	})
}
