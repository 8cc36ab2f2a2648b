package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/adverant/nexus/linedetect-worker/internal/processor"
)

// TaskTypeDetectLines is the asynq task type of a line detection job.
const TaskTypeDetectLines = "detect-lines"

// JobPayload is the job body shared by both queue modes.
type JobPayload struct {
	JobID    string                 `json:"jobId"`
	Pages    []PagePayload          `json:"pages"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PagePayload is one page image, inline or by URL.
type PagePayload struct {
	Number int    `json:"number,omitempty"`
	URL    string `json:"url,omitempty"`
	Data   []byte `json:"-"` // set by UnmarshalJSON, sent as base64
}

// MarshalJSON sends Data as a base64 string.
func (p PagePayload) MarshalJSON() ([]byte, error) {
	type Alias PagePayload
	aux := struct {
		Data string `json:"data,omitempty"`
		Alias
	}{Alias: Alias(p)}
	if len(p.Data) > 0 {
		aux.Data = base64.StdEncoding.EncodeToString(p.Data)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts data as a base64 string or as a Node.js Buffer
// object ({"type":"Buffer","data":[...]}).
func (p *PagePayload) UnmarshalJSON(data []byte) error {
	type Alias PagePayload
	aux := &struct {
		Data interface{} `json:"data,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal page payload: %w", err)
	}

	buf, err := decodeBuffer(aux.Data)
	if err != nil {
		return err
	}
	p.Data = buf
	return nil
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 page data: %w", err)
		}
		return decoded, nil
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil
	}
	return nil, fmt.Errorf("page data must be either base64 string or Buffer object, got %T", v)
}

// Normalize assigns a job ID when missing and numbers pages from 1 when
// they carry no number.
func (p *JobPayload) Normalize() error {
	if p.JobID == "" {
		p.JobID = uuid.New().String()
	}
	if len(p.Pages) == 0 {
		return fmt.Errorf("job %s has no pages", p.JobID)
	}
	for i := range p.Pages {
		if p.Pages[i].Number == 0 {
			p.Pages[i].Number = i + 1
		}
		if len(p.Pages[i].Data) == 0 && p.Pages[i].URL == "" {
			return fmt.Errorf("job %s page %d has neither data nor url", p.JobID, p.Pages[i].Number)
		}
	}
	return nil
}

// Request converts the payload for the processor.
func (p *JobPayload) Request() *processor.ProcessRequest {
	pages := make([]processor.PageInput, len(p.Pages))
	for i, pg := range p.Pages {
		pages[i] = processor.PageInput{Number: pg.Number, Data: pg.Data, URL: pg.URL}
	}
	return &processor.ProcessRequest{
		JobID:    p.JobID,
		Pages:    pages,
		Metadata: p.Metadata,
	}
}
