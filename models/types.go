package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Output geometry for every composed video (9:16)
const (
	OutputWidth  = 1080
	OutputHeight = 1920
)

// Voice is a narration voice offered by the speech service
type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceOnyx    Voice = "onyx"
	VoiceNova    Voice = "nova"
	VoiceShimmer Voice = "shimmer"
)

var ValidVoices = []Voice{
	VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer,
}

// BackgroundTrack identifies one of the bundled background loops
type BackgroundTrack string

const (
	BackgroundParkour1 BackgroundTrack = "parkour1"
	BackgroundParkour2 BackgroundTrack = "parkour2"
	BackgroundParkour3 BackgroundTrack = "parkour3"
	BackgroundParkour4 BackgroundTrack = "parkour4"
	BackgroundParkour5 BackgroundTrack = "parkour5"
)

var ValidBackgroundTracks = []BackgroundTrack{
	BackgroundParkour1, BackgroundParkour2, BackgroundParkour3, BackgroundParkour4, BackgroundParkour5,
}

// CaptionStyle selects the look of burned-in captions
type CaptionStyle string

const (
	CaptionModern  CaptionStyle = "modern"
	CaptionBold    CaptionStyle = "bold"
	CaptionMinimal CaptionStyle = "minimal"
	CaptionNeon    CaptionStyle = "neon"
	CaptionClassic CaptionStyle = "classic"
)

var ValidCaptionStyles = []CaptionStyle{
	CaptionModern, CaptionBold, CaptionMinimal, CaptionNeon, CaptionClassic,
}

// StoryText is the narration input
type StoryText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Script joins title and body into one narration script ("{title}. {body}")
func (s StoryText) Script() string {
	title := strings.TrimSpace(s.Title)
	body := strings.TrimSpace(s.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + ". " + body
	}
}

// RenderOptions controls voice, background and caption rendering
type RenderOptions struct {
	Voice             Voice           `json:"voice" validate:"required,oneof=alloy echo fable onyx nova shimmer"`
	SpeechRate        float64         `json:"speech_rate" validate:"gte=0.5,lte=2"`
	BackgroundTrackID BackgroundTrack `json:"background_track_id" validate:"required,oneof=parkour1 parkour2 parkour3 parkour4 parkour5"`
	BackgroundOpacity float64         `json:"background_opacity" validate:"gte=0.3,lte=1"`
	CaptionStyle      CaptionStyle    `json:"caption_style" validate:"required,oneof=modern bold minimal neon classic"`
	CaptionSizePt     int             `json:"caption_size_pt" validate:"gte=16,lte=48"`
}

// DefaultRenderOptions returns the options preselected in the web form
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		Voice:             VoiceAlloy,
		SpeechRate:        1.0,
		BackgroundTrackID: BackgroundParkour1,
		BackgroundOpacity: 0.8,
		CaptionStyle:      CaptionModern,
		CaptionSizePt:     24,
	}
}

var validate = validator.New()

// Validate checks every option against its allowed range or set
func (o RenderOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid render options: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid render options: %w", err)
	}
	return nil
}

// AudioArtifact is the synthesized narration owned by one run
type AudioArtifact struct {
	FilePath        string  `json:"file_path"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// CaptionCue is one timed caption entry
type CaptionCue struct {
	Index        int     `json:"index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
}

// SubtitleTrack is an ordered, gapless sequence of cues
type SubtitleTrack struct {
	Cues []CaptionCue `json:"cues"`
}

// Duration returns the end time of the last cue
func (t *SubtitleTrack) Duration() float64 {
	if t == nil || len(t.Cues) == 0 {
		return 0
	}
	return t.Cues[len(t.Cues)-1].EndSeconds
}

// VideoArtifact is the finished video, owned by the caller
type VideoArtifact struct {
	FilePath string `json:"file_path"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Stage is a state of the pipeline run
type Stage string

const (
	StageIdle             Stage = "idle"
	StageSynthesizing     Stage = "synthesizing"
	StageDerivingCaptions Stage = "deriving_captions"
	StageComposing        Stage = "composing"
	StageCleaningUp       Stage = "cleaning_up"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// Progress is one update emitted to the caller of a run
type Progress struct {
	Stage   Stage  `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// RedditPost is what the content source returns for a post URL
type RedditPost struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Author    string `json:"author"`
	Subreddit string `json:"subreddit"`
	URL       string `json:"url"`
}

// Story converts the post into narration input
func (p RedditPost) Story() StoryText {
	return StoryText{Title: p.Title, Body: p.Body}
}

// GenerateRequest represents the input from frontend
type GenerateRequest struct {
	Story     *StoryText     `json:"story,omitempty"`
	RedditURL string         `json:"reddit_url,omitempty"`
	Options   *RenderOptions `json:"options,omitempty"`
}

// GenerateResponse returns the job ID
type GenerateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusResponse returns current progress
type StatusResponse struct {
	Status      string  `json:"status"` // "queued", "processing", "completed", "failed", "cancelled"
	Progress    int     `json:"progress"`
	CurrentStep string  `json:"current_step"`
	Stage       Stage   `json:"stage,omitempty"`
	VideoURL    *string `json:"video_url,omitempty"`
	Error       *string `json:"error,omitempty"`
	ErrorKind   *string `json:"error_kind,omitempty"`
}

// Job statuses reported over HTTP
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// JobStatus tracks processing status of one HTTP generation request
type JobStatus struct {
	JobID       string
	Status      string
	Progress    int
	CurrentStep string
	Stage       Stage
	VideoPath   string
	VideoURL    string
	Error       string
	ErrorKind   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal reports whether the job has reached a final status
func (j *JobStatus) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
