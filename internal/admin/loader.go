package admin

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xaenox/persona-bot/internal/models"
)

// LoadCharacters reads every YAML document in path as one character.
func LoadCharacters(path string) ([]*models.Character, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open character file: %w", err)
	}
	defer f.Close()
	return DecodeCharacters(f)
}

func DecodeCharacters(r io.Reader) ([]*models.Character, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var characters []*models.Character
	for i := 0; ; i++ {
		var c models.Character
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode character document %d: %w", i, err)
		}
		characters = append(characters, &c)
	}
	return characters, nil
}
