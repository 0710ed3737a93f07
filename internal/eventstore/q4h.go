package eventstore

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"dominds/internal/dialog"
)

const q4hFileName = "q4h.yaml"

func (s *Store) q4hPath(id dialog.ID, status dialog.PersistenceStatus) string {
	return s.DialogDir(id, status) + "/" + q4hFileName
}

func (s *Store) loadQuestions(id dialog.ID, status dialog.PersistenceStatus) ([]dialog.HumanQuestion, error) {
	data, err := readFileMaybe(s.q4hPath(id, status))
	if err != nil || data == nil {
		return nil, err
	}
	var questions []dialog.HumanQuestion
	if err := yaml.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("decode q4h for %s: %w", id, err)
	}
	return questions, nil
}

func (s *Store) saveQuestions(id dialog.ID, questions []dialog.HumanQuestion, status dialog.PersistenceStatus) error {
	if questions == nil {
		questions = []dialog.HumanQuestion{}
	}
	data, err := yaml.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode q4h for %s: %w", id, err)
	}
	return writeFileAtomic(s.q4hPath(id, status), data)
}

// AppendQuestion4HumanState persists a new ask-human question on a dialog.
func (s *Store) AppendQuestion4HumanState(id dialog.ID, q dialog.HumanQuestion, status dialog.PersistenceStatus) error {
	questions, err := s.loadQuestions(id, status)
	if err != nil {
		return err
	}
	return s.saveQuestions(id, append(questions, q), status)
}

// RemoveQuestion4HumanState removes a question by id and returns it for
// rehydration of the answer fan-out.
func (s *Store) RemoveQuestion4HumanState(id dialog.ID, questionID string, status dialog.PersistenceStatus) (bool, *dialog.HumanQuestion, error) {
	questions, err := s.loadQuestions(id, status)
	if err != nil {
		return false, nil, err
	}
	var removed *dialog.HumanQuestion
	out := questions[:0]
	for i := range questions {
		if questions[i].ID == questionID && removed == nil {
			q := questions[i]
			removed = &q
			continue
		}
		out = append(out, questions[i])
	}
	if removed == nil {
		return false, nil, nil
	}
	if err := s.saveQuestions(id, out, status); err != nil {
		return false, nil, err
	}
	return true, removed, nil
}

// LoadQ4HState reads one dialog's open questions.
func (s *Store) LoadQ4HState(id dialog.ID, status dialog.PersistenceStatus) ([]dialog.HumanQuestion, error) {
	return s.loadQuestions(id, status)
}

// HasPendingQ4H reports whether the dialog has an unanswered question.
func (s *Store) HasPendingQ4H(id dialog.ID, status dialog.PersistenceStatus) (bool, error) {
	questions, err := s.loadQuestions(id, status)
	if err != nil {
		return false, err
	}
	return len(questions) > 0, nil
}

// LoadAllQ4HState scans every running dialog, roots and subdialogs alike,
// and returns the global set of open questions for the UI.
func (s *Store) LoadAllQ4HState() ([]dialog.HumanQuestion, error) {
	ids, err := s.ListAllDialogIDs(dialog.StatusRunning)
	if err != nil {
		return nil, err
	}
	var all []dialog.HumanQuestion
	for _, id := range ids {
		questions, err := s.loadQuestions(id, dialog.StatusRunning)
		if err != nil {
			return nil, err
		}
		all = append(all, questions...)
	}
	return all, nil
}
