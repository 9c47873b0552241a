package services

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"storyreel/models"
	"storyreel/utils"
)

// WriteSRT serializes a track as SubRip: index, "start --> end", text, blank line
func WriteSRT(w io.Writer, track *models.SubtitleTrack) error {
	bw := bufio.NewWriter(w)
	for _, cue := range track.Cues {
		text := strings.Join(strings.Fields(cue.Text), " ")
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			cue.Index,
			utils.FormatSRTTimestamp(cue.StartSeconds),
			utils.FormatSRTTimestamp(cue.EndSeconds),
			text,
		); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteSRTFile writes the track to path
func WriteSRTFile(path string, track *models.SubtitleTrack) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create SRT file: %w", err)
	}

	if err := WriteSRT(file, track); err != nil {
		file.Close()
		return fmt.Errorf("failed to write SRT file: %w", err)
	}
	return file.Close()
}

// ParseSRT reads a SubRip document back into a track
func ParseSRT(r io.Reader) (*models.SubtitleTrack, error) {
	scanner := bufio.NewScanner(r)
	track := &models.SubtitleTrack{}

	var block []string
	lineNo := 0
	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		defer func() { block = block[:0] }()
		if len(block) < 2 {
			return fmt.Errorf("line %d: incomplete cue", lineNo)
		}

		index, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(block[0], "\ufeff")))
		if err != nil {
			return fmt.Errorf("line %d: invalid cue index %q", lineNo, block[0])
		}

		startStr, endStr, ok := strings.Cut(block[1], "-->")
		if !ok {
			return fmt.Errorf("line %d: invalid timing line %q", lineNo, block[1])
		}
		start, err := utils.ParseSRTTimestamp(startStr)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		end, err := utils.ParseSRTTimestamp(endStr)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}

		track.Cues = append(track.Cues, models.CaptionCue{
			Index:        index,
			StartSeconds: start,
			EndSeconds:   end,
			Text:         strings.Join(block[2:], "\n"),
		})
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		block = append(block, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return track, nil
}
