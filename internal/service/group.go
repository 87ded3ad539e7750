package service

import (
	"context"
	"fmt"
	"strings"

	"parley/internal/apperr"
	"parley/internal/models"
	"parley/internal/store"

	"github.com/rs/zerolog/log"
)

// GroupService 管理群聊的创建、成员与管理员，成员变化会同步到实时房间。
type GroupService struct {
	store         *store.Store
	emitter       Emitter
	notifications *NotificationService
}

func NewGroupService(st *store.Store, em Emitter, ns *NotificationService) *GroupService {
	return &GroupService{store: st, emitter: em, notifications: ns}
}

type CreateGroupCommand struct {
	Name    string `json:"name" validate:"required,max=128"`
	Members []uint `json:"members" validate:"dive,required"`
}

type MemberView struct {
	UserID      uint   `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type GroupView struct {
	ID        uint         `json:"id"`
	Name      string       `json:"name"`
	CreatedBy uint         `json:"createdBy"`
	Members   []MemberView `json:"members"`
}

// Create 创建群聊，创建者成为管理员。成员必须是已存在的用户。
func (s *GroupService) Create(ctx context.Context, creatorID uint, cmd CreateGroupCommand) (*GroupView, error) {
	cmd.Name = strings.TrimSpace(cmd.Name)
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	if err := s.usersExist(ctx, cmd.Members); err != nil {
		return nil, err
	}
	conv, err := s.store.CreateGroup(ctx, creatorID, cmd.Name, cmd.Members)
	if err != nil {
		return nil, err
	}
	payload := GroupPayload{ConversationID: conv.ID, Name: cmd.Name}
	for _, p := range conv.Participants {
		s.emitter.JoinUserToConversation(p.UserID, conv.ID)
		if p.UserID != creatorID {
			s.emitter.EmitToUser(p.UserID, EventAddedToGroup, payload)
		}
	}
	return s.view(ctx, conv, conv.Participants)
}

// Get 返回群信息，调用方必须是成员。
func (s *GroupService) Get(ctx context.Context, userID, groupID uint) (*GroupView, error) {
	group, err := s.store.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	parts, err := s.store.Participants(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !hasParticipant(parts, userID) {
		return nil, apperr.ErrNotParticipant
	}
	return s.view(ctx, group, parts)
}

func (s *GroupService) Rename(ctx context.Context, adminID, groupID uint, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return apperr.Validation(map[string]string{"name": "must be 1-128 characters"})
	}
	if _, err := s.requireAdmin(ctx, groupID, adminID); err != nil {
		return err
	}
	if err := s.store.RenameGroup(ctx, groupID, name); err != nil {
		return err
	}
	s.emitter.EmitToConversation(groupID, EventGroupUpdated, GroupPayload{ConversationID: groupID, Name: name}, "")
	return nil
}

// AddMembers 加入新成员并返回实际新增的用户，已在群中的用户被忽略。
func (s *GroupService) AddMembers(ctx context.Context, adminID, groupID uint, userIDs []uint) ([]uint, error) {
	group, err := s.requireAdmin(ctx, groupID, adminID)
	if err != nil {
		return nil, err
	}
	if err := s.usersExist(ctx, userIDs); err != nil {
		return nil, err
	}
	added, err := s.store.AddParticipants(ctx, groupID, userIDs)
	if err != nil {
		return nil, err
	}
	name := groupName(group)
	for _, id := range added {
		s.emitter.JoinUserToConversation(id, groupID)
		s.emitter.EmitToUser(id, EventAddedToGroup, GroupPayload{ConversationID: groupID, Name: name})
		s.emitter.EmitToConversation(groupID, EventGroupUpdated, GroupPayload{ConversationID: groupID, Name: name, UserID: id}, "")
		if _, err := s.notifications.Notify(ctx, id, fmt.Sprintf("You were added to %s", name), conversationData(groupID)); err != nil {
			log.Warn().Err(err).Uint("user_id", id).Msg("notify added to group")
		}
	}
	if added == nil {
		added = []uint{}
	}
	return added, nil
}

// RemoveMember 由管理员移除成员，被移除用户的连接立即离开会话房间。
func (s *GroupService) RemoveMember(ctx context.Context, adminID, groupID, userID uint) error {
	if adminID == userID {
		return s.Leave(ctx, userID, groupID)
	}
	group, err := s.requireAdmin(ctx, groupID, adminID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveParticipant(ctx, groupID, userID); err != nil {
		return err
	}
	s.detach(group, userID)
	return nil
}

// Leave 退出群聊。最后一名成员退出时删除群，最后一名管理员退出时
// 最早加入的成员成为管理员。
func (s *GroupService) Leave(ctx context.Context, userID, groupID uint) error {
	group, err := s.store.Group(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.store.RemoveParticipant(ctx, groupID, userID); err != nil {
		return err
	}
	s.detach(group, userID)

	rest, err := s.store.Participants(ctx, groupID)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		if err := s.store.DeleteConversation(ctx, groupID); err != nil {
			return err
		}
		s.emitter.DropConversation(groupID)
		return nil
	}
	for _, p := range rest {
		if p.IsAdmin {
			return nil
		}
	}
	next := rest[0].UserID
	if err := s.store.SetAdmin(ctx, groupID, next, true); err != nil {
		return err
	}
	s.emitter.EmitToConversation(groupID, EventGroupUpdated, GroupPayload{ConversationID: groupID, Name: groupName(group), UserID: next}, "")
	return nil
}

func (s *GroupService) detach(group *models.Conversation, userID uint) {
	payload := GroupPayload{ConversationID: group.ID, Name: groupName(group), UserID: userID}
	s.emitter.RemoveUserFromConversation(userID, group.ID)
	s.emitter.EmitToUser(userID, EventRemovedFromGroup, payload)
	s.emitter.EmitToConversation(group.ID, EventGroupUpdated, payload, "")
}

// Promote 把成员设为管理员。
func (s *GroupService) Promote(ctx context.Context, adminID, groupID, userID uint) error {
	group, err := s.requireAdmin(ctx, groupID, adminID)
	if err != nil {
		return err
	}
	if err := s.store.SetAdmin(ctx, groupID, userID, true); err != nil {
		return err
	}
	s.emitter.EmitToConversation(groupID, EventGroupUpdated, GroupPayload{ConversationID: groupID, Name: groupName(group), UserID: userID}, "")
	return nil
}

// Delete 删除群聊及其全部消息，只有管理员可以执行。
func (s *GroupService) Delete(ctx context.Context, adminID, groupID uint) error {
	group, err := s.requireAdmin(ctx, groupID, adminID)
	if err != nil {
		return err
	}
	parts, err := s.store.Participants(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, groupID); err != nil {
		return err
	}
	payload := GroupPayload{ConversationID: groupID, Name: groupName(group)}
	for _, p := range parts {
		s.emitter.EmitToUser(p.UserID, EventGroupDeleted, payload)
	}
	s.emitter.DropConversation(groupID)
	return nil
}

func (s *GroupService) requireAdmin(ctx context.Context, groupID, userID uint) (*models.Conversation, error) {
	group, err := s.store.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Participant(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin {
		return nil, apperr.ErrNotAdmin
	}
	return group, nil
}

func (s *GroupService) usersExist(ctx context.Context, ids []uint) error {
	users, err := s.store.UsersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return apperr.ErrUserNotFound.Wrap(fmt.Errorf("user %d", id))
		}
	}
	return nil
}

func (s *GroupService) view(ctx context.Context, group *models.Conversation, parts []models.Participant) (*GroupView, error) {
	users, err := s.store.UsersByIDs(ctx, participantIDs(parts))
	if err != nil {
		return nil, err
	}
	out := &GroupView{ID: group.ID, Name: groupName(group), CreatedBy: group.CreatedBy, Members: make([]MemberView, 0, len(parts))}
	for _, p := range parts {
		u := users[p.UserID]
		out.Members = append(out.Members, MemberView{UserID: p.UserID, Username: u.Username, DisplayName: u.Name(), IsAdmin: p.IsAdmin})
	}
	return out, nil
}
