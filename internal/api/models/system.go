package models

import "github.com/smazurov/castnode/internal/ffmpeg"

// HealthData reports liveness and what the node is doing.
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Session string `json:"session" example:"running" enum:"idle,created,configured,running,stopping,stopped" doc:"Phase of the current capture session, idle when none was started"`
	Paused  bool   `json:"paused" doc:"Whether the current session is paused"`
}

type HealthResponse struct {
	Body HealthData
}

// VersionData identifies the running build.
type VersionData struct {
	Name      string `json:"name" example:"castnode" doc:"Application name"`
	Version   string `json:"version" example:"v0.4.0" doc:"Release tag, dev for local builds"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Commit or build time"`
	Modified  bool   `json:"modified" doc:"Built from a dirty working tree"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go toolchain"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"GOOS/GOARCH"`
}

type VersionResponse struct {
	Body VersionData
}

// OptionsData lists the capture input flag sets.
type OptionsData struct {
	Options  []ffmpeg.Option     `json:"options" doc:"Flag sets accepted in capture.ffmpeg_options"`
	Defaults []ffmpeg.OptionType `json:"defaults" doc:"Flag sets a new config starts with"`
}

type OptionsResponse struct {
	Body OptionsData
}
