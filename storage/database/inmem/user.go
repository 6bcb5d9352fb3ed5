package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/vaultgrade/backend/core"
	"github.com/vaultgrade/backend/core/user"
)

type userRepository struct {
	db *userTable
}

var _ user.Repository = (*userRepository)(nil)

func NewUserRepository(db *DB) user.Repository {
	return &userRepository{db: db.user}
}

func (repo *userRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.table))
	for _, u := range repo.db.table {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users
}

func (repo *userRepository) CheckUniqueness(_ context.Context, username, email string, excludedIDs ...string) error {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, usr := range repo.query() {
		if isExcluded(usr.ID, excludedIDs) {
			continue
		}
		if usr.Username == username {
			return user.ErrUsernameExists
		}
		if usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *userRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, u := range repo.db.table {
		if u.Username == usr.Username {
			return user.User{}, user.ErrUsernameExists
		}
		if u.Email == usr.Email {
			return user.User{}, user.ErrEmailExists
		}
	}
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *userRepository) GetUser(_ context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if filter.ID == "" && filter.UsernameOrEmail == "" {
		return user.User{}, user.ErrNotFound
	}
	for _, usr := range repo.db.table {
		if filter.ID != "" && usr.ID != filter.ID {
			continue
		}
		if filter.UsernameOrEmail != "" && usr.Username != filter.UsernameOrEmail && usr.Email != filter.UsernameOrEmail {
			continue
		}
		return *usr, nil
	}
	return user.User{}, user.ErrNotFound
}

func (repo *userRepository) FilterUsers(_ context.Context, filter user.QueryFilter, orderings ...core.DBOrdering) ([]user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	search := strings.ToLower(filter.Search)
	users := make([]user.User, 0)
	for _, usr := range repo.query() {
		if search != "" &&
			!strings.Contains(strings.ToLower(usr.Name), search) &&
			!strings.Contains(usr.Username, search) &&
			!strings.Contains(usr.Email, search) {
			continue
		}
		if len(filter.Roles) > 0 && !containsRole(filter.Roles, usr.Role) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, usr.Status) {
			continue
		}
		users = append(users, usr)
	}
	if len(orderings) > 0 && orderings[0].Field == "username" {
		asc := orderings[0].Ascending
		sort.SliceStable(users, func(i, j int) bool {
			if asc {
				return users[i].Username < users[j].Username
			}
			return users[i].Username > users[j].Username
		})
	}
	return users, nil
}

func (repo *userRepository) UpdateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	origUsr, ok := repo.db.table[usr.ID]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	// role, keys and creation date never change
	origUsr.Name = usr.Name
	origUsr.Status = usr.Status
	origUsr.PasswordHash = usr.PasswordHash
	origUsr.LastLogin = usr.LastLogin
	origUsr.UpdatedAt = usr.UpdatedAt
	return *origUsr, nil
}

func isExcluded(id string, excludedIDs []string) bool {
	for _, excl := range excludedIDs {
		if excl == id {
			return true
		}
	}
	return false
}

func containsRole(roles []user.Role, role user.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func containsStatus(statuses []user.Status, status user.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
