package media

type StreamResponse struct {
	URL string `json:"url"`
}
