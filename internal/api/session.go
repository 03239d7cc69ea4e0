package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/castnode/internal/api/models"
	"github.com/smazurov/castnode/internal/capture"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/smazurov/castnode/internal/streaming"
)

var trackNames = map[string]int{
	"primary":      pipeline.TrackPrimary,
	"system_audio": pipeline.TrackSystemAudio,
}

func trackName(track int) string {
	for name, t := range trackNames {
		if t == track {
			return name
		}
	}
	return ""
}

// registerSessionRoutes registers session control, sink flags, stream mix
// and snapshot endpoints.
func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Summary:     "Get Session",
		Description: "Status of the active session, or of the last one when none is running",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		sess := s.manager.Current()
		if sess == nil {
			return nil, huma.Error404NotFound("no session has been started")
		}
		return &models.SessionResponse{Body: sess.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/api/session/start",
		Summary:       "Start Session",
		Description:   "Configure and start a capture session from the current configuration",
		Tags:          []string{"session"},
		Security:      withAuth(),
		DefaultStatus: http.StatusCreated,
		Errors:        []int{400, 401, 409, 500, 502},
	}, func(ctx context.Context, _ *struct{}) (*models.SessionResponse, error) {
		sess, err := s.manager.Start(ctx)
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/api/session/stop",
		Summary:     "Stop Session",
		Description: "Stop capture, finalize the recording and disconnect the stream",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 500},
	}, func(_ context.Context, input *models.SessionStopRequest) (*models.SessionResponse, error) {
		reason := input.Body.Reason
		if reason == "" {
			reason = pipeline.ReasonUser
		}
		sess, err := s.manager.Active()
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		if err := s.manager.Stop(reason); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Status()}, nil
	})

	s.registerSessionAction("pause-session", "/api/session/pause", "Pause Session",
		"Drop all samples until resume; the output timeline continues without a gap",
		(*pipeline.Session).Pause)
	s.registerSessionAction("resume-session", "/api/session/resume", "Resume Session",
		"Accept samples again, shifted by the time spent paused",
		(*pipeline.Session).Resume)

	huma.Register(s.api, huma.Operation{
		OperationID: "set-session-flags",
		Method:      http.MethodPut,
		Path:        "/api/session/flags",
		Summary:     "Set Sink Flags",
		Description: "Enable or disable local recording and streaming, for the active session and the next one",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 409, 500},
	}, func(_ context.Context, input *models.FlagsRequest) (*models.FlagsResponse, error) {
		if input.Body.Recording == nil && input.Body.Streaming == nil {
			return nil, huma.Error400BadRequest("recording or streaming must be set")
		}
		if err := s.manager.SetFlags(input.Body.Recording, input.Body.Streaming, "api"); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.FlagsResponse{Body: s.currentFlags()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-track-mix",
		Method:      http.MethodGet,
		Path:        "/api/session/mix",
		Summary:     "List Track Mix",
		Description: "Volume, mute and channel map of every streamed audio track",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409},
	}, func(_ context.Context, _ *struct{}) (*models.TrackMixListResponse, error) {
		mixes, err := s.trackMixes()
		if err != nil {
			return nil, err
		}
		resp := &models.TrackMixListResponse{}
		resp.Body.Tracks = make([]models.TrackMixData, 0, len(mixes))
		for _, track := range []int{pipeline.TrackPrimary, pipeline.TrackSystemAudio} {
			if mix, ok := mixes[track]; ok {
				resp.Body.Tracks = append(resp.Body.Tracks, models.TrackMixData{Track: trackName(track), Mix: mix})
			}
		}
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-track-mix",
		Method:      http.MethodGet,
		Path:        "/api/session/mix/{track}",
		Summary:     "Get Track Mix",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409},
	}, func(_ context.Context, input *models.TrackInput) (*models.TrackMixResponse, error) {
		mixes, err := s.trackMixes()
		if err != nil {
			return nil, err
		}
		mix, ok := mixes[trackNames[input.Track]]
		if !ok {
			return nil, huma.Error404NotFound("track is not part of the stream")
		}
		return &models.TrackMixResponse{Body: models.TrackMixData{Track: input.Track, Mix: mix}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-track-mix",
		Method:      http.MethodPut,
		Path:        "/api/session/mix/{track}",
		Summary:     "Set Track Mix",
		Description: "Change the volume, mute state or channel map of a streamed audio track",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 409, 500},
	}, func(_ context.Context, input *models.TrackMixRequest) (*models.TrackMixResponse, error) {
		sess, err := s.manager.Active()
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		if err := sess.SetTrackMix(trackNames[input.Track], input.Body); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.TrackMixResponse{Body: models.TrackMixData{Track: input.Track, Mix: input.Body}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session-snapshot",
		Method:      http.MethodGet,
		Path:        "/api/session/snapshot",
		Summary:     "Snapshot",
		Description: "Render the latest keyframe of the session, or its first frame, as JPEG",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 500},
	}, func(ctx context.Context, input *models.SnapshotRequest) (*models.SnapshotResponse, error) {
		sess := s.manager.Current()
		if sess == nil {
			return nil, huma.Error409Conflict("no session has been started")
		}
		jpeg, err := capture.Snapshot(ctx, sess.StillFrame(), capture.SnapshotOptions{
			Codec:   sess.VideoCodec(),
			Width:   input.Width,
			Quality: input.Quality,
		})
		if errors.Is(err, capture.ErrNoFrame) {
			return nil, huma.Error404NotFound("no video frame captured yet")
		}
		if err != nil {
			s.logger.Warn("Snapshot failed", "session", sess.ID(), "error", err)
			return nil, huma.Error500InternalServerError("snapshot failed", err)
		}
		return &models.SnapshotResponse{
			ContentType:  "image/jpeg",
			CacheControl: "no-store",
			Body:         jpeg,
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session-config",
		Method:      http.MethodGet,
		Path:        "/api/session/config",
		Summary:     "Session Configuration",
		Description: "Configuration the next session is built from, with secrets masked",
		Tags:        []string{"configuration"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.ConfigResponse, error) {
		return &models.ConfigResponse{Body: s.manager.Config().Redacted()}, nil
	})
}

func (s *Server) registerSessionAction(id, path, summary, description string, action func(*pipeline.Session) error) {
	huma.Register(s.api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        path,
		Summary:     summary,
		Description: description,
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 500},
	}, func(_ context.Context, _ *struct{}) (*models.SessionResponse, error) {
		sess, err := s.manager.Active()
		if err != nil {
			return nil, s.mapSessionError(err)
		}
		if err := action(sess); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.SessionResponse{Body: sess.Status()}, nil
	})
}

func (s *Server) currentFlags() models.FlagsStateData {
	if sess, err := s.manager.Active(); err == nil {
		rec, str := sess.Flags()
		return models.FlagsStateData{Recording: rec, Streaming: str}
	}
	cfg := s.manager.Config()
	return models.FlagsStateData{Recording: cfg.Recording.Enabled, Streaming: cfg.Streaming.Enabled}
}

func (s *Server) trackMixes() (map[int]streaming.TrackMix, error) {
	sess, err := s.manager.Active()
	if err != nil {
		return nil, s.mapSessionError(err)
	}
	mixes := sess.TrackMixes()
	if mixes == nil {
		return nil, huma.Error409Conflict("streaming is not configured for this session")
	}
	return mixes, nil
}

// mapSessionError converts pipeline errors to HTTP errors.
func (s *Server) mapSessionError(err error) error {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		if errors.Is(err, streaming.ErrInvalidMix) {
			return huma.Error400BadRequest(err.Error(), err)
		}
		return huma.Error500InternalServerError("internal server error", err)
	}
	switch pe.Code {
	case pipeline.ErrCodeInvalidState:
		return huma.Error409Conflict(pe.Message, err)
	case pipeline.ErrCodeUnsupportedConfiguration:
		return huma.Error400BadRequest(pe.Message, err)
	case pipeline.ErrCodeCaptureSourceFailure, pipeline.ErrCodeStreamingConnectFailure:
		return huma.Error502BadGateway(pe.Message, err)
	case pipeline.ErrCodeSinkNotReady:
		return huma.Error503ServiceUnavailable(pe.Message, err)
	default:
		return huma.Error500InternalServerError(pe.Message, err)
	}
}
