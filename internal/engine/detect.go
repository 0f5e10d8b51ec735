package engine

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the embedding backend for cfg. Ollama is the only backend.
func Detect(cfg DetectConfig) (Engine, error) {
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}
