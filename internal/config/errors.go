package config

import (
	"fmt"
	"strings"
)

// ParseError is returned when a settings file cannot be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError describes one setting with an unusable value.
type ValidationError struct {
	// Path is the dotted setting name, such as "http.max_requests".
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every problem found by [Config.Validate].
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d invalid settings:\n  - %s", len(e), strings.Join(msgs, "\n  - "))
}

// Unwrap lets errors.As find the individual errors.
func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, err := range e {
		errs[i] = err
	}
	return errs
}

func (e *ValidationErrors) add(path, format string, args ...any) {
	*e = append(*e, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate reports settings no host can run with.
func (cfg *Config) Validate() error {
	var errs ValidationErrors
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs.add("log_level", "unknown level %q", cfg.LogLevel)
	}
	positive := func(path string, v int64) {
		if v <= 0 {
			errs.add(path, "must be positive, got %d", v)
		}
	}
	positive("computer_space_limit", cfg.ComputerSpaceLimit)
	positive("floppy_space_limit", cfg.FloppySpaceLimit)
	positive("maximum_open_files", int64(cfg.MaximumOpenFiles))
	positive("computer_threads", int64(cfg.ComputerThreads))
	positive("max_main_global_time", int64(cfg.MaxMainGlobalTime))
	positive("max_main_computer_time", int64(cfg.MaxMainComputerTime))
	positive("max_event_queue", int64(cfg.MaxEventQueue))
	positive("terminal.width", int64(cfg.Terminal.Width))
	positive("terminal.height", int64(cfg.Terminal.Height))
	positive("http.max_requests", int64(cfg.HTTP.MaxRequests))
	positive("http.max_websockets", int64(cfg.HTTP.MaxWebsockets))
	positive("http.max_download", cfg.HTTP.MaxDownload)
	positive("http.max_upload", cfg.HTTP.MaxUpload)
	positive("http.max_websocket_message", cfg.HTTP.MaxWebsocketMessage)
	positive("upload.max_size", int64(cfg.Upload.MaxSize))

	if cfg.MaxMainComputerTime > cfg.MaxMainGlobalTime {
		errs.add("max_main_computer_time", "exceeds max_main_global_time (%v > %v)", cfg.MaxMainComputerTime, cfg.MaxMainGlobalTime)
	}
	nonNegative := func(path string, v int64) {
		if v < 0 {
			errs.add(path, "must not be negative, got %d", v)
		}
	}
	nonNegative("abort_timeout", int64(cfg.AbortTimeout))
	nonNegative("main_thread_task_timeout", int64(cfg.MainThreadTaskTimeout))
	nonNegative("http.timeout", int64(cfg.HTTP.Timeout))
	nonNegative("http.download_bandwidth", int64(cfg.HTTP.DownloadBandwidth))
	nonNegative("http.upload_bandwidth", int64(cfg.HTTP.UploadBandwidth))

	if _, err := cfg.HTTP.HostRules(); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			errs = append(errs, ve)
		} else {
			errs.add("http.rules", "%v", err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
