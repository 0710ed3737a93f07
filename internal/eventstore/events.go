package eventstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dominds/internal/dialog"
)

const eventsFileName = "events.log"

func genseqKey(id dialog.ID, course int) string {
	return fmt.Sprintf("%s/c%d", id.Self, course)
}

// AppendEvent appends an event to the course's log and stamps its genseq.
// The per-course sequence is monotonically increasing; it is recovered from
// the log tail after a restart. Returns the stamped event.
func (s *Store) AppendEvent(id dialog.ID, course int, ev dialog.CourseEvent, status dialog.PersistenceStatus) (dialog.CourseEvent, error) {
	if course < 1 {
		return ev, fmt.Errorf("append event: course %d out of range", course)
	}
	key := genseqKey(id, course)

	s.mu.Lock()
	next, ok := s.genseq[key]
	s.mu.Unlock()
	if !ok {
		recovered, err := s.lastGenseq(id, course, status)
		if err != nil {
			return ev, err
		}
		next = recovered + 1
	}

	ev.Genseq = next
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	line, err := json.Marshal(&ev)
	if err != nil {
		return ev, fmt.Errorf("encode event for %s: %w", id, err)
	}

	dir := s.courseDir(id, course, status)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ev, fmt.Errorf("create course dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ev, fmt.Errorf("open event log for %s: %w", id, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return ev, fmt.Errorf("append event for %s: %w", id, err)
	}

	s.mu.Lock()
	s.genseq[key] = next + 1
	s.mu.Unlock()
	return ev, nil
}

// lastGenseq reads the highest genseq already in the course log.
func (s *Store) lastGenseq(id dialog.ID, course int, status dialog.PersistenceStatus) (int64, error) {
	events, err := s.LoadCourseEvents(id, course, status)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Genseq, nil
}

// LoadCourseEvents reads a course's events in append order; absent means empty.
func (s *Store) LoadCourseEvents(id dialog.ID, course int, status dialog.PersistenceStatus) ([]dialog.CourseEvent, error) {
	path := filepath.Join(s.courseDir(id, course, status), eventsFileName)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []dialog.CourseEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev dialog.CourseEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("decode event in %s: %w", path, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", path, err)
	}
	return events, nil
}

// GetCurrentCourseNumber returns the highest non-empty course index, or 1
// when no course has events yet.
func (s *Store) GetCurrentCourseNumber(id dialog.ID, status dialog.PersistenceStatus) (int, error) {
	coursesDir := filepath.Join(s.DialogDir(id, status), "courses")
	entries, err := os.ReadDir(coursesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("read courses dir: %w", err)
	}

	highest := 1
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, ok := parseCourseDirName(entry.Name())
		if !ok || n <= highest {
			continue
		}
		info, err := os.Stat(filepath.Join(coursesDir, entry.Name(), eventsFileName))
		if err != nil || info.Size() == 0 {
			continue
		}
		highest = n
	}
	return highest, nil
}

// FindAssignmentAnchor scans the dialog's event logs from course downward for
// the most recent assignment anchor matching callID. Returns nil when no
// anchor matches.
func (s *Store) FindAssignmentAnchor(id dialog.ID, fromCourse int, callID string, status dialog.PersistenceStatus) (*dialog.CallSiteRef, error) {
	for course := fromCourse; course >= 1; course-- {
		events, err := s.LoadCourseEvents(id, course, status)
		if err != nil {
			return nil, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if ev.Kind == dialog.EventTeammateAnchor && ev.Role == dialog.AnchorAssignment && ev.CallID == callID {
				return &dialog.CallSiteRef{Course: course, MessageIndex: i}, nil
			}
		}
	}
	return nil, nil
}
