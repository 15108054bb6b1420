package record

import "strings"

// JoinConfig describes one join table of the form <a>_<b>_lnk with two
// integer foreign key columns.
type JoinConfig struct {
	Table   string
	LeftCol string
	RelCol  string
}

// CategoryLists is the additive list-membership category; replace runs
// never delete its rows.
const CategoryLists = "lists"

// FieldCategories maps a record field to the relation category its raw
// values belong to. Shared by both entity kinds; fields without a join
// config for a kind are skipped during linking.
var FieldCategories = map[string]string{
	"organization":      "organizations",
	"contact_interests": "contact_interests",
	"department":        "departments",
	"keywords":          "keywords",
	"job_title":         "job_titles",
	"tags":              "tags",
	"contact_ranks":     "contact_ranks",
	"contact_types":     "contact_types",
	"sources":           "sources",
	"contact_notes":     "contact_notes",
	"industry":          "industries",
	"frequency":         "frequencies",
	"media_type":        "media_types",
	"organization_type": "organization_types",
	"lists":             CategoryLists,
}

// ContactJoins maps a relation category to the contact-side join table.
var ContactJoins = map[string]JoinConfig{
	"organizations":      {Table: "contacts_organization_lnk", LeftCol: "contact_id", RelCol: "organization_id"},
	"contact_interests":  {Table: "contacts_contact_interests_lnk", LeftCol: "contact_id", RelCol: "contact_interest_id"},
	"departments":        {Table: "contacts_department_lnk", LeftCol: "contact_id", RelCol: "department_id"},
	"keywords":           {Table: "keywords_contacts_lnk", LeftCol: "contact_id", RelCol: "keyword_id"},
	"job_titles":         {Table: "contacts_job_title_lnk", LeftCol: "contact_id", RelCol: "job_title_id"},
	"tags":               {Table: "contacts_tags_lnk", LeftCol: "contact_id", RelCol: "tag_id"},
	"sources":            {Table: "sources_contacts_lnk", LeftCol: "contact_id", RelCol: "source_id"},
	"contact_notes":      {Table: "notes_contact_lnk", LeftCol: "contact_id", RelCol: "note_id"},
	"contact_ranks":      {Table: "ranks_contacts_lnk", LeftCol: "contact_id", RelCol: "rank_id"},
	"contact_types":      {Table: "contacts_contact_types_lnk", LeftCol: "contact_id", RelCol: "contact_type_id"},
	"industries":         {Table: "contacts_industry_lnk", LeftCol: "contact_id", RelCol: "industry_id"},
	CategoryLists:        {Table: "contacts_lists_lnk", LeftCol: "contact_id", RelCol: "list_id"},
}

// OrganizationJoins maps a relation category to the organization-side
// join table.
var OrganizationJoins = map[string]JoinConfig{
	"contacts":           {Table: "contacts_organization_lnk", LeftCol: "organization_id", RelCol: "contact_id"},
	"keywords":           {Table: "keywords_organizations_lnk", LeftCol: "organization_id", RelCol: "keyword_id"},
	"industries":         {Table: "organizations_industry_lnk", LeftCol: "organization_id", RelCol: "industry_id"},
	"sources":            {Table: "sources_organizations_lnk", LeftCol: "organization_id", RelCol: "source_id"},
	"contact_notes":      {Table: "notes_organization_lnk", LeftCol: "organization_id", RelCol: "note_id"},
	"contact_ranks":      {Table: "ranks_organizations_lnk", LeftCol: "organization_id", RelCol: "rank_id"},
	"organization_types": {Table: "organizations_organization_type_lnk", LeftCol: "organization_id", RelCol: "organization_type_id"},
	"media_types":        {Table: "organizations_media_type_lnk", LeftCol: "organization_id", RelCol: "media_type_id"},
	"frequencies":        {Table: "organizations_frequency_lnk", LeftCol: "organization_id", RelCol: "frequency_id"},
	"departments":        {Table: "organizations_department_lnk", LeftCol: "organization_id", RelCol: "department_id"},
	CategoryLists:        {Table: "organizations_lists_lnk", LeftCol: "organization_id", RelCol: "list_id"},
}

// Joins returns the join-table configuration for the entity kind.
func Joins(kind EntityKind) map[string]JoinConfig {
	if kind == Organizations {
		return OrganizationJoins
	}
	return ContactJoins
}

// DictionaryCategories are the name-keyed lookup tables the relation
// cache preloads. Contacts are preloaded separately by their identifying
// fields.
var DictionaryCategories = []string{
	"contact_types",
	"sources",
	"contact_notes",
	"departments",
	"contact_interests",
	"contact_ranks",
	"keywords",
	"job_titles",
	"tags",
	"organizations",
	"industries",
	"channels",
	"subscription_types",
	"lists",
	"frequencies",
	"media_types",
	"organization_types",
}

// EntityName converts a relation category to the singular, hyphenated
// entity name the content API expects ("job_titles" -> "job-title").
func EntityName(category string) string {
	singular := category
	switch {
	case strings.HasSuffix(singular, "ies"):
		singular = singular[:len(singular)-3] + "y"
	case strings.HasSuffix(singular, "s"):
		singular = singular[:len(singular)-1]
	}
	return strings.ReplaceAll(singular, "_", "-")
}

// CollectUniqueValues gathers the distinct raw relation values per
// category across a batch.
func CollectUniqueValues(records []Record) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for _, r := range records {
		for field, category := range FieldCategories {
			if category == CategoryLists {
				continue
			}
			for _, raw := range r.Values(field) {
				value := SearchValue(raw)
				if value == "" {
					continue
				}
				set, ok := out[category]
				if !ok {
					set = make(map[string]struct{})
					out[category] = set
				}
				set[value] = struct{}{}
			}
		}
	}
	return out
}
