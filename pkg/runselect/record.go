package runselect

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/ethpandaops/caf/pkg/selection"
)

// Payload field names shared by the conditions folders and the filter.
const (
	FieldRunNumber        = "RunNumber"
	FieldSORTime          = "SORTime"
	FieldEORTime          = "EORTime"
	FieldRecordedEvents   = "RecordedEvents"
	FieldEFEvents         = "EFEvents"
	FieldRunType          = "RunType"
	FieldPartitionName    = "PartitionName"
	FieldCleanStop        = "CleanStop"
	FieldRecordingEnabled = "RecordingEnabled"
	FieldGainStrategy     = "GainStrategy"
	FieldDetectorMask     = "DetectorMask"
)

// RunRecord is a calibration run assembled from the conditions folders.
type RunRecord struct {
	RunNumber        uint32  `json:"RunNumber" mapstructure:"RunNumber"`
	SORTime          int64   `json:"SORTime" mapstructure:"SORTime"`
	EORTime          int64   `json:"EORTime" mapstructure:"EORTime"`
	RecordedEvents   int64   `json:"RecordedEvents" mapstructure:"RecordedEvents"`
	EFEvents         int64   `json:"EFEvents" mapstructure:"EFEvents"`
	RunType          string  `json:"RunType" mapstructure:"RunType"`
	PartitionName    string  `json:"PartitionName" mapstructure:"PartitionName"`
	CleanStop        bool    `json:"CleanStop" mapstructure:"CleanStop"`
	RecordingEnabled bool    `json:"RecordingEnabled" mapstructure:"RecordingEnabled"`
	GainStrategy     *string `json:"GainStrategy" mapstructure:"GainStrategy"`
	DetectorMask     string  `json:"DetectorMask" mapstructure:"DetectorMask"`
}

// Gain returns the gain strategy label or an empty string.
func (r *RunRecord) Gain() string {
	if r.GainStrategy == nil {
		return ""
	}

	return *r.GainStrategy
}

// decodeRecord converts a merged payload into a RunRecord. Payload fields
// without a RunRecord counterpart are ignored.
func decodeRecord(fields selection.Record) (RunRecord, error) {
	var rec RunRecord

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &rec,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return rec, fmt.Errorf("creating record decoder: %w", err)
	}

	if err := dec.Decode(map[string]any(fields)); err != nil {
		return rec, fmt.Errorf("decoding run record: %w", err)
	}

	return rec, nil
}
