package comfy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"inkup/internal/domain"
)

// ExpectedOutputName is the file the save node writes for prefix on its
// first run.
func ExpectedOutputName(prefix string) string {
	return prefix + "_00001_.png"
}

// SelectOutput picks the output of promptID among files: the exact
// expected name when present, otherwise the lexicographically last PNG
// carrying the prompt id prefix.
func SelectOutput(promptID string, files []OutputFile) (OutputFile, bool) {
	want := ExpectedOutputName(promptID)
	var candidates []OutputFile
	for _, f := range files {
		if f.Type != "" && f.Type != "output" {
			continue
		}
		if f.Filename == want {
			return f, true
		}
		if strings.HasPrefix(f.Filename, promptID+"_") && strings.HasSuffix(f.Filename, ".png") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return OutputFile{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Filename < candidates[j].Filename })
	return candidates[len(candidates)-1], true
}

// FetchOutput locates and downloads the output image of promptID. When the
// history endpoint is unavailable the expected file name is fetched
// directly.
func (c *Client) FetchOutput(ctx context.Context, promptID string) (OutputFile, []byte, error) {
	files, err := c.History(ctx, promptID)
	var target OutputFile
	switch {
	case err == nil:
		var ok bool
		target, ok = SelectOutput(promptID, files)
		if !ok {
			return OutputFile{}, nil, fmt.Errorf("comfy: no output for %s among %d files: %w", promptID, len(files), domain.ErrOutputNotFound)
		}
		if target.Filename != ExpectedOutputName(promptID) {
			c.logger.Warn().Str("job_id", promptID).Str("filename", target.Filename).Msg("comfy: expected output missing, using prefix match")
		}
	default:
		c.logger.Warn().Err(err).Str("job_id", promptID).Msg("comfy: history unavailable, fetching expected output")
		target = OutputFile{Filename: ExpectedOutputName(promptID), Type: "output"}
	}
	data, err := c.View(ctx, target)
	if err != nil {
		return target, nil, err
	}
	return target, data, nil
}
