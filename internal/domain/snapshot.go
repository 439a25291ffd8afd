package domain

import (
	"sort"
	"time"

	"github.com/devhelper/devhelper-go/internal/dumpsys"
)

type SnapshotStatus string

const (
	SnapshotStatusParsed SnapshotStatus = "parsed"
	SnapshotStatusFailed SnapshotStatus = "failed"
)

// SnapshotSource 快照来源
const (
	SourceDevicePrefix = "device:"
	SourceFilePrefix   = "file:"
	SourceUpload       = "upload"
)

// Snapshot 一次前台界面抓取的结果
type Snapshot struct {
	ID           string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	DeviceID     string             `gorm:"type:varchar(64);index" json:"device_id,omitempty"`
	Source       string             `gorm:"type:text" json:"source"`
	Activity     string             `gorm:"type:varchar(512)" json:"activity,omitempty"`
	Status       SnapshotStatus     `gorm:"type:varchar(16);index" json:"status"`
	ErrorMessage string             `gorm:"type:text" json:"error_message,omitempty"`
	RawSize      int                `json:"raw_size"`
	CreatedAt    time.Time          `gorm:"index" json:"created_at"`
	ViewIDs      []SnapshotViewID   `gorm:"foreignKey:SnapshotID;constraint:OnDelete:CASCADE" json:"view_ids,omitempty"`
	Fragments    []SnapshotFragment `gorm:"foreignKey:SnapshotID;constraint:OnDelete:CASCADE" json:"fragments,omitempty"`
}

func (Snapshot) TableName() string {
	return "snapshots"
}

// SnapshotViewID 资源 id -> 十六进制句柄
type SnapshotViewID struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	SnapshotID string `gorm:"type:varchar(36);index" json:"-"`
	ResourceID string `gorm:"type:text" json:"resource_id"`
	Hex        string `gorm:"type:text" json:"hex"`
}

func (SnapshotViewID) TableName() string {
	return "snapshot_view_ids"
}

// SnapshotFragment 一个顶层 Fragment
type SnapshotFragment struct {
	ID               uint   `gorm:"primaryKey" json:"-"`
	SnapshotID       string `gorm:"type:varchar(36);index" json:"-"`
	Position         int    `json:"position"`
	Name             string `gorm:"type:text" json:"name"`
	FragmentID       string `gorm:"type:text" json:"fragment_id"`
	ContainerID      string `gorm:"type:text" json:"container_id"`
	Tag              string `gorm:"type:text" json:"tag"`
	Who              string `gorm:"type:text" json:"who"`
	Index            int    `json:"index"`
	State            int    `json:"state"`
	BackStackNesting int    `json:"back_stack_nesting"`
	Added            bool   `json:"added"`
	Removing         bool   `json:"removing"`
	FromLayout       bool   `json:"from_layout"`
	InLayout         bool   `json:"in_layout"`
	Hidden           bool   `json:"hidden"`
	Detached         bool   `json:"detached"`
}

func (SnapshotFragment) TableName() string {
	return "snapshot_fragments"
}

// NewSnapshot 由解析结果构造快照，view id 按 key 排序保证稳定
func NewSnapshot(id, deviceID, source string, rawSize int, info *dumpsys.TopActivityInfo) *Snapshot {
	s := &Snapshot{
		ID:       id,
		DeviceID: deviceID,
		Source:   source,
		Status:   SnapshotStatusParsed,
		RawSize:  rawSize,
	}
	if info == nil {
		return s
	}

	s.Activity = info.Activity

	keys := make([]string, 0, len(info.ViewIDHex))
	for k := range info.ViewIDHex {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.ViewIDs = append(s.ViewIDs, SnapshotViewID{SnapshotID: id, ResourceID: k, Hex: info.ViewIDHex[k]})
	}

	for pos, f := range info.Fragments {
		s.Fragments = append(s.Fragments, SnapshotFragment{
			SnapshotID:       id,
			Position:         pos,
			Name:             f.Name,
			FragmentID:       f.FragmentID,
			ContainerID:      f.ContainerID,
			Tag:              f.Tag,
			Who:              f.Who,
			Index:            f.Index,
			State:            f.State,
			BackStackNesting: f.BackStackNesting,
			Added:            f.Added,
			Removing:         f.Removing,
			FromLayout:       f.FromLayout,
			InLayout:         f.InLayout,
			Hidden:           f.Hidden,
			Detached:         f.Detached,
		})
	}
	return s
}

// NewFailedSnapshot 解析失败的快照
func NewFailedSnapshot(id, deviceID, source string, rawSize int, cause error) *Snapshot {
	s := NewSnapshot(id, deviceID, source, rawSize, nil)
	s.Status = SnapshotStatusFailed
	if cause != nil {
		s.ErrorMessage = cause.Error()
	}
	return s
}

// ToTopActivityInfo 还原解析结果
func (s *Snapshot) ToTopActivityInfo() *dumpsys.TopActivityInfo {
	info := dumpsys.NewTopActivityInfo()
	info.Activity = s.Activity
	for _, v := range s.ViewIDs {
		info.ViewIDHex[v.ResourceID] = v.Hex
	}

	frags := make([]SnapshotFragment, len(s.Fragments))
	copy(frags, s.Fragments)
	sort.SliceStable(frags, func(i, j int) bool { return frags[i].Position < frags[j].Position })

	for _, f := range frags {
		info.Fragments = append(info.Fragments, dumpsys.FragmentInfo{
			Name:             f.Name,
			FragmentID:       f.FragmentID,
			ContainerID:      f.ContainerID,
			Tag:              f.Tag,
			Who:              f.Who,
			Index:            f.Index,
			State:            f.State,
			BackStackNesting: f.BackStackNesting,
			Added:            f.Added,
			Removing:         f.Removing,
			FromLayout:       f.FromLayout,
			InLayout:         f.InLayout,
			Hidden:           f.Hidden,
			Detached:         f.Detached,
		})
	}
	return info
}
