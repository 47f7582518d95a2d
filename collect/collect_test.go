package collect

import (
	"errors"
	"testing"

	"github.com/matthiasblum/embl-ebi-hpc-co2/errs"
)

func TestCollectValidate(t *testing.T) {
	cc := CollectCommand{Topic: defaultTopic}
	if err := cc.Validate(); err != nil {
		t.Errorf("Default arguments: %v", err)
	}
	cc = CollectCommand{Input: "jobs.json", Topic: defaultTopic}
	if err := cc.Validate(); err != nil {
		t.Errorf("-input alone: %v", err)
	}
	cc = CollectCommand{Broker: "localhost:9092", Topic: "lsf.jobs"}
	if err := cc.Validate(); err != nil {
		t.Errorf("-broker with -topic: %v", err)
	}
	cc = CollectCommand{Input: "jobs.json", Broker: "localhost:9092", Topic: defaultTopic}
	if err := cc.Validate(); !errors.Is(err, errs.ConfigErr) {
		t.Errorf("-input with -broker: expected ConfigErr, got %v", err)
	}
	cc = CollectCommand{Topic: "lsf.jobs"}
	if err := cc.Validate(); !errors.Is(err, errs.ConfigErr) {
		t.Errorf("-topic without -broker: expected ConfigErr, got %v", err)
	}
}
