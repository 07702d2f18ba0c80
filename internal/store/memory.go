package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/swarmcore/internal/obs"
	"github.com/haasonsaas/swarmcore/pkg/models"
)

// MemoryStore is an in-memory Store implementation. All multi-row
// mutations are serialized under a single mutex rather than a database
// transaction, which gives the same atomicity guarantees for the
// workspace-local operations spec §6 requires (group dedup+merge,
// sub-agent+group creation, default-profile reassignment).
type MemoryStore struct {
	mu sync.RWMutex

	agents        map[string]models.Agent
	groups        map[string]models.Group
	members       map[string]map[string]models.GroupMember // groupID -> agentID -> member
	messages      map[string][]models.Message               // groupID -> ordered messages
	taskRuns      map[string]models.TaskRun
	taskReviews   map[string]models.TaskReview // taskRunID -> review
	modelProfiles map[string]models.ModelProfile
	workspaces    map[string]WorkspaceDefaults
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]models.Agent),
		groups:        make(map[string]models.Group),
		members:       make(map[string]map[string]models.GroupMember),
		messages:      make(map[string][]models.Message),
		taskRuns:      make(map[string]models.TaskRun),
		taskReviews:   make(map[string]models.TaskReview),
		modelProfiles: make(map[string]models.ModelProfile),
		workspaces:    make(map[string]WorkspaceDefaults),
	}
}

func newID() string { return uuid.NewString() }

// ---- Agents ----

func (s *MemoryStore) ListAgents(_ context.Context, filter AgentFilter) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kindSet := map[models.AgentKind]bool{}
	for _, k := range filter.Kinds {
		kindSet[k] = true
	}

	var out []models.Agent
	for _, a := range s.agents {
		if filter.WorkspaceID != "" && a.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if a.IsDeleted() && !filter.IncludeDeleted {
			continue
		}
		if len(kindSet) > 0 && !kindSet[a.Kind] {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return models.Agent{}, obs.NewError(obs.KindNotFound, "store.GetAgent", obs.ErrNotFound)
	}
	if a.IsDeleted() {
		return models.Agent{}, obs.NewError(obs.KindNotFound, "store.GetAgent", obs.ErrDeleted)
	}
	return a, nil
}

func (s *MemoryStore) CreateAgent(_ context.Context, agent models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = newID()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	agent.LastActiveAt = agent.CreatedAt
	if _, exists := s.agents[agent.ID]; exists {
		return obs.NewError(obs.KindInvalidArgument, "store.CreateAgent", obs.ErrAlreadyExists)
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) SetAgentHistory(_ context.Context, id string, history []models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.SetAgentHistory", obs.ErrNotFound)
	}
	a.History = history
	a.LastActiveAt = time.Now()
	s.agents[id] = a
	return nil
}

func (s *MemoryStore) SetAgentAutoRun(_ context.Context, id string, autoRun bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.SetAgentAutoRun", obs.ErrNotFound)
	}
	a.AutoRun = autoRun
	s.agents[id] = a
	return nil
}

func matchesBulkFilter(a models.Agent, filter BulkAgentFilter) bool {
	if a.WorkspaceID != filter.WorkspaceID {
		return false
	}
	if a.Kind == models.KindSystemHuman {
		return false
	}
	if len(filter.IncludeKinds) > 0 {
		found := false
		for _, k := range filter.IncludeKinds {
			if k == a.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, k := range filter.ExcludeKinds {
		if k == a.Kind {
			return false
		}
	}
	return true
}

func (s *MemoryStore) BulkPauseAgents(_ context.Context, filter BulkAgentFilter) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected []string
	for id, a := range s.agents {
		if a.IsDeleted() || !matchesBulkFilter(a, filter) {
			continue
		}
		a.AutoRun = false
		s.agents[id] = a
		affected = append(affected, id)
	}
	return BulkResult{AffectedIDs: affected}, nil
}

func (s *MemoryStore) BulkSoftDeleteAgents(_ context.Context, filter BulkAgentFilter) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var affected []string
	for id, a := range s.agents {
		if a.IsDeleted() || !matchesBulkFilter(a, filter) {
			continue
		}
		a.AutoRun = false
		a.DeletedAt = &now
		s.agents[id] = a
		affected = append(affected, id)
	}
	return BulkResult{AffectedIDs: affected}, nil
}

func (s *MemoryStore) TouchAgentLastActive(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.TouchAgentLastActive", obs.ErrNotFound)
	}
	a.LastActiveAt = at
	s.agents[id] = a
	return nil
}

// ---- Unread / read cursor ----

func (s *MemoryStore) ListUnreadByGroup(_ context.Context, agentID string) ([]UnreadBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok || agent.IsDeleted() || !agent.AutoRun {
		return nil, nil
	}

	var out []UnreadBatch
	for groupID, memberSet := range s.members {
		member, isMember := memberSet[agentID]
		if !isMember {
			continue
		}
		group, ok := s.groups[groupID]
		if !ok || group.IsDeleted() {
			continue
		}
		var unread []models.Message
		for _, m := range s.messages[groupID] {
			if m.SenderID == agentID {
				continue
			}
			if member.LastReadMsgID != "" && !messageAfter(s.messages[groupID], member.LastReadMsgID, m.ID) {
				continue
			}
			unread = append(unread, m)
		}
		if len(unread) > 0 {
			out = append(out, UnreadBatch{Group: group, Messages: unread})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group.ID < out[j].Group.ID })
	return out, nil
}

// messageAfter reports whether candidate comes strictly after cursor in
// the group's send-time order.
func messageAfter(ordered []models.Message, cursor, candidate string) bool {
	cursorIdx, candidateIdx := -1, -1
	for i, m := range ordered {
		if m.ID == cursor {
			cursorIdx = i
		}
		if m.ID == candidate {
			candidateIdx = i
		}
	}
	if cursorIdx == -1 {
		return true
	}
	return candidateIdx > cursorIdx
}

func (s *MemoryStore) MarkGroupRead(_ context.Context, groupID, readerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[groupID]
	if len(msgs) == 0 {
		return nil
	}
	return s.markGroupReadToMessageLocked(groupID, readerID, msgs[len(msgs)-1].ID)
}

func (s *MemoryStore) MarkGroupReadToMessage(_ context.Context, groupID, readerID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markGroupReadToMessageLocked(groupID, readerID, messageID)
}

func (s *MemoryStore) markGroupReadToMessageLocked(groupID, readerID, messageID string) error {
	memberSet, ok := s.members[groupID]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.MarkGroupReadToMessage", obs.ErrNotFound)
	}
	member, ok := memberSet[readerID]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.MarkGroupReadToMessage", obs.ErrNotFound)
	}
	member.LastReadMsgID = messageID
	memberSet[readerID] = member
	return nil
}

// ---- Messages ----

func (s *MemoryStore) SendMessage(_ context.Context, groupID, senderID, content, contentType string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendMessageLocked(groupID, senderID, content, contentType)
}

func (s *MemoryStore) sendMessageLocked(groupID, senderID, content, contentType string) (models.Message, error) {
	group, ok := s.groups[groupID]
	if !ok || group.IsDeleted() {
		return models.Message{}, obs.NewError(obs.KindNotFound, "store.SendMessage", obs.ErrNotFound)
	}
	if contentType == "" {
		contentType = "text"
	}
	msg := models.Message{
		ID:          newID(),
		WorkspaceID: group.WorkspaceID,
		GroupID:     groupID,
		SenderID:    senderID,
		ContentType: contentType,
		Content:     content,
		SendTime:    time.Now(),
	}
	s.messages[groupID] = append(s.messages[groupID], msg)
	return msg, nil
}

func (s *MemoryStore) GetGroupMessages(_ context.Context, groupID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages[groupID]))
	copy(out, s.messages[groupID])
	return out, nil
}

func (s *MemoryStore) SendDirectMessage(_ context.Context, in SendDirectMessageInput) (SendDirectMessageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.NewThread {
		g, err := s.createGroupLocked(CreateGroupInput{
			WorkspaceID: in.WorkspaceID,
			MemberIDs:   []string{in.From, in.To},
			Name:        in.GroupName,
			Kind:        models.GroupChat,
		})
		if err != nil {
			return SendDirectMessageResult{}, err
		}
		msg, err := s.sendMessageLocked(g.ID, in.From, in.Content, in.ContentType)
		if err != nil {
			return SendDirectMessageResult{}, err
		}
		return SendDirectMessageResult{Channel: ChannelNewThread, GroupID: g.ID, MessageID: msg.ID, SendTime: msg.SendTime}, nil
	}

	groupID, found, err := s.findLatestExactP2PGroupIDLocked(in.WorkspaceID, in.From, in.To, in.GroupName)
	if err != nil {
		return SendDirectMessageResult{}, err
	}
	channel := ChannelReuseExisting
	if !found {
		g, err := s.createGroupLocked(CreateGroupInput{
			WorkspaceID: in.WorkspaceID,
			MemberIDs:   []string{in.From, in.To},
			Name:        in.GroupName,
			Kind:        models.GroupChat,
		})
		if err != nil {
			return SendDirectMessageResult{}, err
		}
		groupID = g.ID
		channel = ChannelNewGroup
	}
	msg, err := s.sendMessageLocked(groupID, in.From, in.Content, in.ContentType)
	if err != nil {
		return SendDirectMessageResult{}, err
	}
	return SendDirectMessageResult{Channel: channel, GroupID: groupID, MessageID: msg.ID, SendTime: msg.SendTime}, nil
}

// ---- Groups ----

// activeMemberSet returns the non-deleted member-agent-id set of groupID.
func (s *MemoryStore) activeMemberSet(groupID string) map[string]bool {
	out := map[string]bool{}
	for agentID := range s.members[groupID] {
		if a, ok := s.agents[agentID]; ok && !a.IsDeleted() {
			out[agentID] = true
		}
	}
	return out
}

func exactlyPair(set map[string]bool, a, b string) bool {
	if len(set) != 2 {
		return false
	}
	return set[a] && set[b]
}

// p2pCandidate ranks a duplicate P2P group per spec §4.3(b): (name ==
// preferredName, name non-null, latest message time, created time, id),
// each descending.
type p2pCandidate struct {
	group        models.Group
	lastMsgTime  time.Time
}

func (s *MemoryStore) findP2PCandidatesLocked(workspaceID, a, b string) []p2pCandidate {
	var out []p2pCandidate
	for groupID, group := range s.groups {
		if group.WorkspaceID != workspaceID || group.IsDeleted() || group.Kind != models.GroupChat {
			continue
		}
		if !exactlyPair(s.activeMemberSet(groupID), a, b) {
			continue
		}
		var last time.Time
		if msgs := s.messages[groupID]; len(msgs) > 0 {
			last = msgs[len(msgs)-1].SendTime
		}
		out = append(out, p2pCandidate{group: group, lastMsgTime: last})
	}
	return out
}

func rankP2PCandidates(candidates []p2pCandidate, preferredName *string) {
	pref := ""
	if preferredName != nil {
		pref = *preferredName
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		iPref := ci.group.Name != nil && *ci.group.Name == pref && pref != ""
		jPref := cj.group.Name != nil && *cj.group.Name == pref && pref != ""
		if iPref != jPref {
			return iPref
		}
		iNonNull := ci.group.Name != nil
		jNonNull := cj.group.Name != nil
		if iNonNull != jNonNull {
			return iNonNull
		}
		if !ci.lastMsgTime.Equal(cj.lastMsgTime) {
			return ci.lastMsgTime.After(cj.lastMsgTime)
		}
		if !ci.group.CreatedAt.Equal(cj.group.CreatedAt) {
			return ci.group.CreatedAt.After(cj.group.CreatedAt)
		}
		return ci.group.ID > cj.group.ID
	})
}

func (s *MemoryStore) FindLatestExactP2PGroupID(_ context.Context, workspaceID, a, b string, preferredName *string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLatestExactP2PGroupIDLocked(workspaceID, a, b, preferredName)
}

func (s *MemoryStore) findLatestExactP2PGroupIDLocked(workspaceID, a, b string, preferredName *string) (string, bool, error) {
	candidates := s.findP2PCandidatesLocked(workspaceID, a, b)
	if len(candidates) == 0 {
		return "", false, nil
	}
	rankP2PCandidates(candidates, preferredName)
	return candidates[0].group.ID, true, nil
}

func (s *MemoryStore) MergeDuplicateExactP2PGroups(_ context.Context, workspaceID, a, b string, preferredName *string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.findP2PCandidatesLocked(workspaceID, a, b)
	if len(candidates) == 0 {
		return "", obs.NewError(obs.KindNotFound, "store.MergeDuplicateExactP2PGroups", obs.ErrNotFound)
	}
	rankP2PCandidates(candidates, preferredName)
	keep := candidates[0].group

	for _, loser := range candidates[1:] {
		s.messages[keep.ID] = append(s.messages[keep.ID], s.messages[loser.group.ID]...)
		delete(s.messages, loser.group.ID)
		delete(s.members, loser.group.ID)
		now := time.Now()
		loserGroup := loser.group
		loserGroup.DeletedAt = &now
		s.groups[loserGroup.ID] = loserGroup
	}
	sort.Slice(s.messages[keep.ID], func(i, j int) bool {
		return s.messages[keep.ID][i].SendTime.Before(s.messages[keep.ID][j].SendTime)
	})

	if preferredName != nil && *preferredName != "" {
		name := *preferredName
		keep.Name = &name
		s.groups[keep.ID] = keep
	}
	return keep.ID, nil
}

func (s *MemoryStore) FindLatestExactGroupID(_ context.Context, workspaceID string, memberIDs []string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := map[string]bool{}
	for _, id := range memberIDs {
		want[id] = true
	}
	var best *models.Group
	for groupID, group := range s.groups {
		if group.WorkspaceID != workspaceID || group.IsDeleted() {
			continue
		}
		active := s.activeMemberSet(groupID)
		if len(active) != len(want) {
			continue
		}
		matches := true
		for id := range want {
			if !active[id] {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		g := group
		if best == nil || g.CreatedAt.After(best.CreatedAt) {
			best = &g
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.ID, true, nil
}

func (s *MemoryStore) CreateGroup(_ context.Context, in CreateGroupInput) (models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createGroupLocked(in)
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func (s *MemoryStore) createGroupLocked(in CreateGroupInput) (models.Group, error) {
	memberIDs := dedupeStrings(in.MemberIDs)
	if len(memberIDs) < 2 {
		return models.Group{}, obs.NewError(obs.KindInvalidArgument, "store.CreateGroup", nil)
	}
	for _, id := range memberIDs {
		if _, ok := s.agents[id]; !ok {
			return models.Group{}, obs.NewError(obs.KindInvalidArgument, "store.CreateGroup", obs.ErrNotFound)
		}
	}
	kind := in.Kind
	if kind == "" {
		kind = models.GroupChat
	}
	group := models.Group{
		ID:          newID(),
		WorkspaceID: in.WorkspaceID,
		Name:        in.Name,
		Kind:        kind,
		CreatedAt:   time.Now(),
	}
	s.groups[group.ID] = group
	memberSet := make(map[string]models.GroupMember, len(memberIDs))
	for _, id := range memberIDs {
		memberSet[id] = models.GroupMember{GroupID: group.ID, AgentID: id, JoinedAt: group.CreatedAt}
	}
	s.members[group.ID] = memberSet
	return group, nil
}

func (s *MemoryStore) AddGroupMembers(_ context.Context, groupID string, agentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	memberSet, ok := s.members[groupID]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.AddGroupMembers", obs.ErrNotFound)
	}
	for _, id := range dedupeStrings(agentIDs) {
		if _, exists := memberSet[id]; exists {
			continue
		}
		memberSet[id] = models.GroupMember{GroupID: groupID, AgentID: id, JoinedAt: time.Now()}
	}
	return nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id string) (models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return models.Group{}, obs.NewError(obs.KindNotFound, "store.GetGroup", obs.ErrNotFound)
	}
	return g, nil
}

func (s *MemoryStore) ListGroupMembers(_ context.Context, groupID string) ([]models.GroupMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.GroupMember
	for _, m := range s.members[groupID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) ListGroups(_ context.Context, filter GroupFilter) ([]GroupSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GroupSummary
	for groupID, group := range s.groups {
		if group.IsDeleted() {
			continue
		}
		if filter.WorkspaceID != "" && group.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.AgentID != "" {
			if _, isMember := s.members[groupID][filter.AgentID]; !isMember {
				continue
			}
		}
		var memberIDs []string
		for id := range s.members[groupID] {
			memberIDs = append(memberIDs, id)
		}
		sort.Strings(memberIDs)

		var lastMsg *models.Message
		unread := 0
		if msgs := s.messages[groupID]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			lastMsg = &last
		}
		if filter.AgentID != "" {
			member := s.members[groupID][filter.AgentID]
			for _, m := range s.messages[groupID] {
				if m.SenderID == filter.AgentID {
					continue
				}
				if member.LastReadMsgID == "" || messageAfter(s.messages[groupID], member.LastReadMsgID, m.ID) {
					unread++
				}
			}
		}
		updatedAt := group.CreatedAt
		if lastMsg != nil && lastMsg.SendTime.After(updatedAt) {
			updatedAt = lastMsg.SendTime
		}
		out = append(out, GroupSummary{
			Group:       group,
			MemberIDs:   memberIDs,
			UnreadCount: unread,
			LastMessage: lastMsg,
			UpdatedAt:   updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) SetGroupContextTokens(_ context.Context, groupID string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return obs.NewError(obs.KindNotFound, "store.SetGroupContextTokens", obs.ErrNotFound)
	}
	g.ContextTokens = tokens
	s.groups[groupID] = g
	return nil
}

func (s *MemoryStore) isSystemOnly(groupID string) bool {
	for agentID := range s.members[groupID] {
		a, ok := s.agents[agentID]
		if !ok {
			continue
		}
		if a.Kind != models.KindSystemHuman && a.Kind != models.KindSystemAssistant {
			return false
		}
	}
	return true
}

func (s *MemoryStore) SoftDeleteOrphanGroups(_ context.Context, workspaceID string) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var affected []string
	for groupID, group := range s.groups {
		if group.WorkspaceID != workspaceID || group.IsDeleted() {
			continue
		}
		if len(s.activeMemberSet(groupID)) <= 1 {
			group.DeletedAt = &now
			s.groups[groupID] = group
			affected = append(affected, groupID)
		}
	}
	return BulkResult{AffectedIDs: affected}, nil
}

func (s *MemoryStore) SoftDeleteRedundantSystemGroups(_ context.Context, workspaceID string) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var affected []string
	for groupID, group := range s.groups {
		if group.WorkspaceID != workspaceID || group.IsDeleted() {
			continue
		}
		active := s.activeMemberSet(groupID)
		if len(active) == 0 {
			continue
		}
		if s.isSystemOnly(groupID) {
			group.DeletedAt = &now
			s.groups[groupID] = group
			affected = append(affected, groupID)
		}
	}
	return BulkResult{AffectedIDs: affected}, nil
}

// ---- Task runs and reviews ----

func (s *MemoryStore) CreateTaskRun(_ context.Context, run models.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = newID()
	}
	s.taskRuns[run.ID] = run
	return nil
}

func (s *MemoryStore) UpdateTaskRun(_ context.Context, run models.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taskRuns[run.ID]; !ok {
		return obs.NewError(obs.KindNotFound, "store.UpdateTaskRun", obs.ErrNotFound)
	}
	s.taskRuns[run.ID] = run
	return nil
}

func (s *MemoryStore) GetTaskRunByID(_ context.Context, id string) (models.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.taskRuns[id]
	if !ok {
		return models.TaskRun{}, obs.NewError(obs.KindNotFound, "store.GetTaskRunByID", obs.ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) GetLatestTaskRun(_ context.Context, workspaceID string) (models.TaskRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.TaskRun
	for _, r := range s.taskRuns {
		if r.WorkspaceID != workspaceID {
			continue
		}
		rr := r
		if best == nil || rr.StartAt.After(best.StartAt) {
			best = &rr
		}
	}
	if best == nil {
		return models.TaskRun{}, false, nil
	}
	return *best, true, nil
}

func (s *MemoryStore) ListRunningTaskRuns(_ context.Context) ([]models.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TaskRun
	for _, r := range s.taskRuns {
		if r.Status == models.TaskRunning || r.Status == models.TaskStopping {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateTaskReview(_ context.Context, review models.TaskReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if review.ID == "" {
		review.ID = newID()
	}
	s.taskReviews[review.TaskRunID] = review
	return nil
}

func (s *MemoryStore) GetTaskReview(_ context.Context, taskRunID string) (models.TaskReview, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.taskReviews[taskRunID]
	return r, ok, nil
}

// ---- Model profiles ----

func (s *MemoryStore) GetModelProfile(_ context.Context, id string) (models.ModelProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.modelProfiles[id]
	return p, ok, nil
}

func (s *MemoryStore) GetDefaultModelProfile(_ context.Context, workspaceID string) (models.ModelProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.modelProfiles {
		if p.WorkspaceID == workspaceID && p.Default {
			return p, true, nil
		}
	}
	return models.ModelProfile{}, false, nil
}

func (s *MemoryStore) SetDefaultModelProfile(_ context.Context, workspaceID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.modelProfiles[profileID]
	if !ok || target.WorkspaceID != workspaceID {
		return obs.NewError(obs.KindNotFound, "store.SetDefaultModelProfile", obs.ErrNotFound)
	}
	for id, p := range s.modelProfiles {
		if p.WorkspaceID != workspaceID {
			continue
		}
		p.Default = id == profileID
		s.modelProfiles[id] = p
	}
	return nil
}

// PutModelProfile is a test/bootstrap helper absent from the Store
// interface: it seeds or replaces a profile row directly.
func (s *MemoryStore) PutModelProfile(profile models.ModelProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile.ID == "" {
		profile.ID = newID()
	}
	s.modelProfiles[profile.ID] = profile
}

// ---- Workspace bootstrap ----

func (s *MemoryStore) EnsureWorkspaceDefaults(_ context.Context, workspaceID string) (WorkspaceDefaults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.workspaces[workspaceID]; ok {
		return existing, nil
	}

	human := models.Agent{
		ID:          newID(),
		WorkspaceID: workspaceID,
		Role:        "human",
		Kind:        models.KindSystemHuman,
		AutoRun:     false,
		CreatedAt:   time.Now(),
	}
	assistant := models.Agent{
		ID:          newID(),
		WorkspaceID: workspaceID,
		Role:        "assistant",
		Kind:        models.KindSystemAssistant,
		AutoRun:     true,
		CreatedAt:   time.Now(),
	}
	s.agents[human.ID] = human
	s.agents[assistant.ID] = assistant

	defaultName := "general"
	group := models.Group{
		ID:          newID(),
		WorkspaceID: workspaceID,
		Name:        &defaultName,
		Kind:        models.GroupChat,
		CreatedAt:   time.Now(),
	}
	s.groups[group.ID] = group
	s.members[group.ID] = map[string]models.GroupMember{
		human.ID:     {GroupID: group.ID, AgentID: human.ID, JoinedAt: group.CreatedAt},
		assistant.ID: {GroupID: group.ID, AgentID: assistant.ID, JoinedAt: group.CreatedAt},
	}

	defaults := WorkspaceDefaults{
		WorkspaceID:      workspaceID,
		HumanAgentID:     human.ID,
		AssistantAgentID: assistant.ID,
		DefaultGroupID:   group.ID,
	}
	s.workspaces[workspaceID] = defaults
	return defaults, nil
}
