// Kafka ingest for the collector.  Sites that cannot run bjobs where the job
// store lives publish the parsed records to a topic instead; this consumer
// folds them into the store with the same semantics as a direct bjobs run.
//
// Each message carries one bjobs payload, already in `bjobs -json` form, so
// the producer can be as dumb as `bjobs ... | kcat -t hpc.jobs`.

package collect

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/db"
)

const (
	defaultTopic  = "hpc.jobs"
	consumerGroup = "co2track-collect"
)

// consumeJobs polls the topic until the context is canceled, handing each
// batch of parsed records to apply.  Store errors are soft: the message is
// logged and the offset still committed, matching the at-most-once posture of
// a periodic bjobs run (the next payload supersedes this one anyway).
func consumeJobs(ctx context.Context, broker, topic string, apply func([]*db.JobRecord) error) error {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumerGroup(consumerGroup),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return err
	}
	defer cl.Close()
	common.Log.Infof("Consuming %s from %s", topic, broker)

	for {
		fetches := cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			// Retriable errors are handled inside the client; what reaches us
			// here is worth seeing but not worth dying for.
			common.Log.Warningf("Kafka fetch errors: %v", errs)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			jobs, err := ParseBjobs(record.Value, time.Now().UTC())
			if err != nil {
				common.Log.Warningf("Dropping undecodable payload on %s: %v", record.Topic, err)
				continue
			}
			if err := apply(jobs); err != nil {
				common.Log.Errorf("Storing payload from %s failed: %v", record.Topic, err)
			}
		}
		if err := cl.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			common.Log.Warningf("Kafka offset commit failed: %v", err)
		}
	}
}
