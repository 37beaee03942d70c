package diskcache

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
)

const entryVersion = 1

var ErrCorrupt = errors.New("corrupt cache entry")

// entryHeader is the first line of an entry file, the body follows it verbatim
type entryHeader struct {
	Version     int       `json:"v"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"finalUrl"`
	ContentType string    `json:"contentType"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Size        int64     `json:"size"`
}

func encodeEntry(w io.Writer, resource domain.Resource) error {
	header, err := json.Marshal(entryHeader{
		Version:     entryVersion,
		Key:         resource.Key,
		URL:         resource.URL,
		FinalURL:    resource.FinalURL,
		ContentType: resource.ContentType,
		FetchedAt:   resource.FetchedAt,
		Size:        int64(len(resource.Data)),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry header: %w", err)
	}

	header = append(header, '\n')
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write entry header: %w", err)
	}
	if _, err := w.Write(resource.Data); err != nil {
		return fmt.Errorf("failed to write entry body: %w", err)
	}

	return nil
}

func decodeEntry(r io.Reader) (domain.Resource, error) {
	reader := bufio.NewReader(r)

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return domain.Resource{}, fmt.Errorf("%w: failed to read header: %w", ErrCorrupt, err)
	}

	var header entryHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return domain.Resource{}, fmt.Errorf("%w: failed to unmarshal header: %w", ErrCorrupt, err)
	}
	if header.Version != entryVersion {
		return domain.Resource{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, header.Version)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("failed to read entry body: %w", err)
	}
	if int64(len(data)) != header.Size {
		return domain.Resource{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrCorrupt, header.Size, len(data))
	}

	return domain.Resource{
		Key:         header.Key,
		URL:         header.URL,
		FinalURL:    header.FinalURL,
		ContentType: header.ContentType,
		Data:        data,
		FetchedAt:   header.FetchedAt,
	}, nil
}
