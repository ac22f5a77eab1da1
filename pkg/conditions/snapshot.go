package conditions

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Snapshot is a portable dump of conditions folders. JSON is accepted as
// well since it is a subset of YAML.
//
//	folders:
//	  /TDAQ/RunCtrl/SOR:
//	    - run: 100
//	      payload: {RunNumber: 100, RunType: cismono}
//	  /TRIGGER/Receivers/Conditions/Strategy:
//	    - since: 1000
//	      until: 2000
//	      payload: {name: GainOne}
type Snapshot struct {
	Folders map[string][]SnapshotEntry `yaml:"folders"`
}

// SnapshotEntry is one object of a snapshot. Run, when set, replaces
// Since/Until with the run's validity interval [run<<32, (run+1)<<32).
type SnapshotEntry struct {
	Run     *uint32        `yaml:"run,omitempty"`
	Since   int64          `yaml:"since,omitempty"`
	Until   *int64         `yaml:"until,omitempty"`
	Channel int64          `yaml:"channel,omitempty"`
	Payload map[string]any `yaml:"payload"`
}

// ReadSnapshot decodes a snapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.NewDecoder(r).Decode(&snap); err != nil {
		if err == io.EOF {
			return &snap, nil
		}

		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}

	return &snap, nil
}

// LoadSnapshotFile reads a snapshot from a file.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	return ReadSnapshot(f)
}

// Objects flattens the snapshot into objects.
func (s *Snapshot) Objects() ([]Object, error) {
	var out []Object

	for folder, entries := range s.Folders {
		for i, e := range entries {
			o := Object{
				Folder:  folder,
				Channel: e.Channel,
				Since:   e.Since,
				Until:   ValidityKeyMax,
				Payload: e.Payload,
			}

			if e.Run != nil {
				if *e.Run > MaxRun {
					return nil, fmt.Errorf("%s entry %d: run %d out of range", folder, i, *e.Run)
				}

				o.Since = RunKey(*e.Run)
				o.Until = runEnd(*e.Run)
			}

			if e.Until != nil {
				o.Until = *e.Until
			}

			if o.Until <= o.Since {
				return nil, fmt.Errorf("%s entry %d: until must be greater than since", folder, i)
			}

			if o.Payload == nil {
				o.Payload = map[string]any{}
			}

			out = append(out, o)
		}
	}

	sortObjects(out)

	return out, nil
}
