package report

import (
	"encoding/json"
	"os"

	"example.com/fitsgate/internal/checks"
)

func SaveAcceptanceJSON(rep checks.AcceptanceReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadAcceptanceJSON(path string) (checks.AcceptanceReport, error) {
	var rep checks.AcceptanceReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
