// Package process supervises the child commands of a capture session:
// the ffmpeg screen and system audio captures, the pw-record or ffmpeg
// microphone and the ffmpeg publisher.
//
// Shutdown sends SIGINT so ffmpeg can finish its output, then SIGKILL after
// the graceful timeout. Output lines are logged at the level a LogParser
// assigns, and the last stderr lines are kept so a failed child can be
// reported with its own error message.
//
//	p := process.New("screen", "ffmpeg -f x11grab -i :0 -f h264 pipe:1", logger,
//		process.WithLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel),
//		process.WithStdout(consume))
//	go func() { res := p.Run(); report(res.Err) }()
//	defer p.Shutdown()
package process
