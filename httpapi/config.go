package httpapi

// Config defines HTTP UI and stream settings.
type Config struct {
	Addr        string
	BaseURL     string
	BasePath    string
	MetricsPath string
}
