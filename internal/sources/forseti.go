package sources

import (
	"fmt"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

// ForsetiWait is the default wait window. The scanner reports every
// violation of a run separately, so a short window batches one run.
const ForsetiWait = 2 * time.Minute

var forsetiIssues = map[string]string{
	"policy_violations":       "GCP project owner outside org",
	"buckets_acl_violations":  "Storage bucket shared too widely",
	"cloudsql_acl_violations": "CloudSQL open to the public internet",
	"bigquery_acl_violations": "BigQuery data shared too widely",
}

// Forseti is the GCP configuration scanner source.
func Forseti() event.Source {
	return event.Source{
		Type: TypeForseti,
		Parser: event.JSONParser{
			Required: []string{"project_owner", "project_id", "resource_id", "resource"},
		},
		Hydrator: event.HydratorFunc(hydrateForseti),
		Settings: event.Settings{WaitForMore: ForsetiWait},
	}
}

func hydrateForseti(msg event.Message) (event.Enrichment, error) {
	fp, err := event.Fingerprint(msg.Fields,
		event.WithBlacklist("id", "rule_index"),
		event.WithPrefix("forseti_"),
	)
	if err != nil {
		return event.Enrichment{}, err
	}

	resource := msg.String("resource")
	issue, ok := forsetiIssues[resource]
	if !ok {
		issue = resource
	}
	projectID := msg.String("project_id")
	resourceID := msg.String("resource_id")

	return event.Enrichment{
		Owner:       msg.String("project_owner") + "@example.com",
		Fingerprint: fp,
		Metadata: map[string]any{
			"issue_type":          resource,
			"source_readable":     "GCP Configuration Scanner",
			"resource":            projectID + "/" + resourceID,
			"resource_readable":   fmt.Sprintf("%s %s (in %s)", msg.String("resource_type"), resourceID, projectID),
			"issue_type_readable": issue,
		},
	}, nil
}
