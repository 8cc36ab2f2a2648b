/**
 * Line Detection Worker - Main Entry Point
 *
 * Finds the text lines of scanned document pages and hands them, in
 * reading order, to a downstream recognizer.
 *
 * Architecture:
 * - Primary detector: local Tesseract or an HTTP detection service
 * - Acceptance check with heuristic morphology fallback
 * - Redis LIST or Asynq job queue
 * - PostgreSQL persistence for jobs and page results
 * - Qdrant layout signatures for similar-page lookup
 */

package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
