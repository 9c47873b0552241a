package services

import (
	"fmt"
	"math"
	"strings"

	"storyreel/models"
)

// Caption timing defaults: ~2 words/second read in 3 second windows
const (
	DefaultWordsPerCue      = 6
	DefaultCueWindowSeconds = 3.0
)

// SubtitleService derives time-uniform caption cues for a narration
type SubtitleService struct {
	WordsPerCue      int
	CueWindowSeconds float64
	// RateAware shrinks or stretches the window by the speech rate
	RateAware bool
}

// NewSubtitleService creates a deriver; zero values take the defaults
func NewSubtitleService(wordsPerCue int, cueWindowSeconds float64, rateAware bool) *SubtitleService {
	if wordsPerCue <= 0 {
		wordsPerCue = DefaultWordsPerCue
	}
	if cueWindowSeconds <= 0 {
		cueWindowSeconds = DefaultCueWindowSeconds
	}
	return &SubtitleService{
		WordsPerCue:      wordsPerCue,
		CueWindowSeconds: cueWindowSeconds,
		RateAware:        rateAware,
	}
}

// Derive partitions text into cues covering [0, totalDuration]
func (ss *SubtitleService) Derive(text string, totalDuration float64) (*models.SubtitleTrack, error) {
	return ss.derive(text, totalDuration, ss.CueWindowSeconds)
}

// DeriveAtRate is Derive with the window adjusted for speechRate when RateAware is set
func (ss *SubtitleService) DeriveAtRate(text string, totalDuration, speechRate float64) (*models.SubtitleTrack, error) {
	window := ss.CueWindowSeconds
	if ss.RateAware && speechRate > 0 {
		window = window / speechRate
	}
	return ss.derive(text, totalDuration, window)
}

func (ss *SubtitleService) derive(text string, totalDuration, window float64) (*models.SubtitleTrack, error) {
	if math.IsNaN(totalDuration) || math.IsInf(totalDuration, 0) || totalDuration <= 0 {
		return nil, newError(models.StageDerivingCaptions, KindCaptionDerivationFailed,
			fmt.Sprintf("narration duration must be positive, got %v", totalDuration), nil)
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil, newError(models.StageDerivingCaptions, KindCaptionDerivationFailed,
			"narration text has no words", nil)
	}

	chunkCount := (len(tokens) + ss.WordsPerCue - 1) / ss.WordsPerCue

	// Compress uniformly when the text would run past the audio
	if fit := totalDuration / float64(chunkCount); fit < window {
		window = fit
	}

	cues := make([]models.CaptionCue, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * ss.WordsPerCue
		end := start + ss.WordsPerCue
		if end > len(tokens) {
			end = len(tokens)
		}

		cue := models.CaptionCue{
			Index:        i + 1,
			StartSeconds: float64(i) * window,
			EndSeconds:   float64(i+1) * window,
			Text:         strings.Join(tokens[start:end], " "),
		}
		if i == chunkCount-1 {
			cue.EndSeconds = totalDuration
		}
		cues = append(cues, cue)
	}

	return &models.SubtitleTrack{Cues: cues}, nil
}

// ValidateTrack checks ordering and coverage of a track against the audio duration
func ValidateTrack(track *models.SubtitleTrack, totalDuration float64) error {
	if track == nil || len(track.Cues) == 0 {
		return fmt.Errorf("subtitle track is empty")
	}
	prevEnd := 0.0
	for i, cue := range track.Cues {
		if cue.Index != i+1 {
			return fmt.Errorf("cue %d has index %d", i+1, cue.Index)
		}
		if cue.StartSeconds != prevEnd {
			return fmt.Errorf("cue %d starts at %.3f, previous ended at %.3f", cue.Index, cue.StartSeconds, prevEnd)
		}
		if cue.StartSeconds >= cue.EndSeconds {
			return fmt.Errorf("cue %d is empty or reversed", cue.Index)
		}
		prevEnd = cue.EndSeconds
	}
	if prevEnd != totalDuration {
		return fmt.Errorf("track ends at %.3f, audio lasts %.3f", prevEnd, totalDuration)
	}
	return nil
}
