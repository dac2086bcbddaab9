package publish

// Warnings is always returned empty by this core: it has no category or
// badge catalog to validate metadata.Categories/Badges against, so nothing
// is ever flagged as invalid.
type Warnings struct {
	InvalidCategories []string `json:"invalid_categories"`
	InvalidBadges     []string `json:"invalid_badges"`
	Other             []string `json:"other"`
}

// Response is the body of a successful publish response.
type Response struct {
	Warnings Warnings `json:"warnings"`
}

func emptyResponse() *Response {
	return &Response{Warnings: Warnings{
		InvalidCategories: []string{},
		InvalidBadges:     []string{},
		Other:             []string{},
	}}
}
