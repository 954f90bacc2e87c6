package ollama

func buildTranscriptionPrompt() string {
	return `Transcribe all text visible in this image exactly as written.
Keep the reading order and line breaks of the original layout.
Render tables as rows with cells separated by tabs.
Do not summarise, translate or add commentary. If there is no text, return an empty response.`
}
