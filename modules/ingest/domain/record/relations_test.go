package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"organizations":      "organization",
		"industries":         "industry",
		"job_titles":         "job-title",
		"contact_types":      "contact-type",
		"frequencies":        "frequency",
		"tags":               "tag",
		"lists":              "list",
		"organization_types": "organization-type",
	}
	for in, want := range cases {
		assert.Equal(t, want, EntityName(in), "category %q", in)
	}
}

func TestJoinsPerKind(t *testing.T) {
	t.Parallel()

	contact := Joins(Contacts)["organizations"]
	require.Equal(t, "contacts_organization_lnk", contact.Table)
	require.Equal(t, "contact_id", contact.LeftCol)

	org := Joins(Organizations)["industries"]
	require.Equal(t, "organizations_industry_lnk", org.Table)
	require.Equal(t, "organization_id", org.LeftCol)
}

func TestCollectUniqueValuesDeduplicates(t *testing.T) {
	t.Parallel()

	records := []Record{
		{"email": "a@example.com", "organization": "Acme Inc", "tags": []any{"vip", "press"}},
		{"email": "b@example.com", "organization": " Acme Inc ", "tags": []any{"vip"}},
	}

	got := CollectUniqueValues(records)

	require.Len(t, got["organizations"], 1)
	assert.Contains(t, got["organizations"], "Acme Inc")
	assert.Len(t, got["tags"], 2)
}

func TestCollectUniqueValuesSkipsLists(t *testing.T) {
	t.Parallel()

	got := CollectUniqueValues([]Record{{"lists": []any{"Newsletter"}}})
	assert.NotContains(t, got, CategoryLists)
}
