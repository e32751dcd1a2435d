package realtime

// topicSet is an insertion-ordered set. It is not safe for concurrent use;
// Channel guards it with its mutex.
type topicSet struct {
	order []string
	index map[string]struct{}
}

func newTopicSet() *topicSet {
	return &topicSet{index: make(map[string]struct{})}
}

// add reports whether topic was not already a member.
func (s *topicSet) add(topic string) bool {
	if _, ok := s.index[topic]; ok {
		return false
	}
	s.index[topic] = struct{}{}
	s.order = append(s.order, topic)
	return true
}

func (s *topicSet) remove(topic string) {
	if _, ok := s.index[topic]; !ok {
		return
	}
	delete(s.index, topic)
	for i, t := range s.order {
		if t == topic {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *topicSet) list() []string {
	return append([]string(nil), s.order...)
}

func (s *topicSet) len() int {
	return len(s.order)
}

func (s *topicSet) clear() {
	s.order = nil
	s.index = make(map[string]struct{})
}
