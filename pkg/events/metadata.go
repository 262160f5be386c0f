package events

// Usage reports token accounting as attached to a done frame by the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Citation is a source reference the document-chat backend attaches to an
// answer: which uploaded document (and where in it) supports the text.
type Citation struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page,omitempty"`
	Quote      string `json:"quote,omitempty"`
}
