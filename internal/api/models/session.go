package models

import (
	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/smazurov/castnode/internal/streaming"
)

// SessionResponse reports the current or last session.
type SessionResponse struct {
	Body pipeline.Status
}

// SessionStopRequest carries an optional stop reason.
type SessionStopRequest struct {
	Body struct {
		Reason string `json:"reason,omitempty" enum:"user,shutdown" doc:"Why the session is stopped, user when omitted"`
	} `required:"false"`
}

// FlagsData toggles the sinks. Omitted flags stay unchanged.
type FlagsData struct {
	Recording *bool `json:"recording,omitempty" doc:"Enable or disable local recording"`
	Streaming *bool `json:"streaming,omitempty" doc:"Enable or disable streaming"`
}

type FlagsRequest struct {
	Body FlagsData
}

// FlagsStateData reports the effective sink flags.
type FlagsStateData struct {
	Recording bool `json:"recording" doc:"Local recording enabled"`
	Streaming bool `json:"streaming" doc:"Streaming enabled"`
}

type FlagsResponse struct {
	Body FlagsStateData
}

// TrackInput addresses one audio track of the stream mix.
type TrackInput struct {
	Track string `path:"track" enum:"primary,system_audio" example:"system_audio" doc:"Audio track"`
}

type TrackMixRequest struct {
	TrackInput
	Body streaming.TrackMix
}

type TrackMixData struct {
	Track string             `json:"track" example:"system_audio" doc:"Audio track"`
	Mix   streaming.TrackMix `json:"mix" doc:"Track volume, mute and channel map"`
}

type TrackMixResponse struct {
	Body TrackMixData
}

type TrackMixListResponse struct {
	Body struct {
		Tracks []TrackMixData `json:"tracks" doc:"Mix of every audio track"`
	}
}

// SnapshotRequest controls the rendered still.
type SnapshotRequest struct {
	Width   int `query:"width" minimum:"0" maximum:"7680" doc:"Output width, 0 keeps the capture size"`
	Quality int `query:"quality" minimum:"0" maximum:"31" doc:"JPEG quality scale, lower is better, 0 picks the default"`
}

// SnapshotResponse is a JPEG image.
type SnapshotResponse struct {
	ContentType  string `header:"Content-Type"`
	CacheControl string `header:"Cache-Control"`
	Body         []byte
}

// ConfigResponse is the session configuration with secrets masked.
type ConfigResponse struct {
	Body config.SessionConfig
}

// PreviewData reports the local preview relay.
type PreviewData struct {
	Live    bool   `json:"live" doc:"Whether the publisher feeds the preview"`
	Path    string `json:"path" example:"preview" doc:"Relay path"`
	Viewers int    `json:"viewers" example:"1" doc:"Connected WebRTC viewers"`
}

type PreviewResponse struct {
	Body PreviewData
}

// PreviewOfferRequest is a browser SDP offer.
type PreviewOfferRequest struct {
	RawBody []byte `contentType:"application/sdp" doc:"SDP offer"`
}

// PreviewAnswerResponse is the SDP answer.
type PreviewAnswerResponse struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}
