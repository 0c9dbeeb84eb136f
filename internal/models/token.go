package models

import (
	"fmt"
)

// Color RGB颜色
type Color struct {
	Red   uint8 `json:"red"`
	Green uint8 `json:"green"`
	Blue  uint8 `json:"blue"`
}

// 调色板（按分配顺序排列）
var Palette = []Color{
	{Red: 255, Green: 0, Blue: 0},     // 红色
	{Red: 0, Green: 0, Blue: 255},     // 蓝色
	{Red: 0, Green: 128, Blue: 0},     // 绿色
	{Red: 255, Green: 255, Blue: 0},   // 黄色
	{Red: 128, Green: 0, Blue: 128},   // 紫色
	{Red: 255, Green: 165, Blue: 0},   // 橙色
	{Red: 0, Green: 128, Blue: 128},   // 青色
	{Red: 255, Green: 192, Blue: 203}, // 粉色
}

// InPalette 检查颜色是否在调色板中
func InPalette(c Color) bool {
	for _, p := range Palette {
		if p == c {
			return true
		}
	}
	return false
}

// Contents 令牌内容（文本或图标二选一）
type Contents struct {
	Text *string `json:"text,omitempty"`
	Icon *string `json:"icon_id,omitempty"`
}

// NewTextContents 创建文本内容
func NewTextContents(text string) Contents {
	return Contents{Text: &text}
}

// NewIconContents 创建图标内容
func NewIconContents(iconID string) Contents {
	return Contents{Icon: &iconID}
}

// Validate 校验内容恰好为两种变体之一
func (c Contents) Validate() error {
	if (c.Text == nil) == (c.Icon == nil) {
		return fmt.Errorf("内容必须是文本或图标之一")
	}
	return nil
}

// ContentID 内容标识（同图标的令牌共享颜色分组）
func (c Contents) ContentID() string {
	if c.Icon != nil {
		return "icon-" + *c.Icon
	}
	if c.Text != nil {
		return "text-" + *c.Text
	}
	return ""
}

// TokenTypeCharacter 角色类型（触发颜色分配和碰撞检测）
const TokenTypeCharacter = "character"

// Token 持久化的游戏棋子，带三轴包围盒和可选颜色
type Token struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Contents Contents `json:"contents"`
	StartX   int      `json:"start_x"`
	EndX     int      `json:"end_x"`
	StartY   int      `json:"start_y"`
	EndY     int      `json:"end_y"`
	StartZ   int      `json:"start_z"`
	EndZ     int      `json:"end_z"`
	Color    *Color   `json:"color,omitempty"`
}

// Validate 校验令牌（每个轴上必须 start < end）
func (t *Token) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("令牌ID不能为空")
	}
	if t.StartX >= t.EndX || t.StartY >= t.EndY || t.StartZ >= t.EndZ {
		return fmt.Errorf("令牌 %s 的包围盒无效: 每个轴上必须 start < end", t.ID)
	}
	if err := t.Contents.Validate(); err != nil {
		return fmt.Errorf("令牌 %s 的内容无效: %w", t.ID, err)
	}
	return nil
}

// IsCharacter 判断是否为角色令牌
func (t *Token) IsCharacter() bool {
	return t.Type == TokenTypeCharacter
}

// Position 单位立方体坐标
type Position struct {
	X int
	Y int
	Z int
}

// Cells 返回包围盒覆盖的所有单位立方体
func (t *Token) Cells() []Position {
	cells := make([]Position, 0, (t.EndX-t.StartX)*(t.EndY-t.StartY)*(t.EndZ-t.StartZ))
	for x := t.StartX; x < t.EndX; x++ {
		for y := t.StartY; y < t.EndY; y++ {
			for z := t.StartZ; z < t.EndZ; z++ {
				cells = append(cells, Position{X: x, Y: y, Z: z})
			}
		}
	}
	return cells
}

// Clone 深拷贝令牌
func (t *Token) Clone() *Token {
	clone := *t
	if t.Color != nil {
		color := *t.Color
		clone.Color = &color
	}
	if t.Contents.Text != nil {
		text := *t.Contents.Text
		clone.Contents.Text = &text
	}
	if t.Contents.Icon != nil {
		icon := *t.Contents.Icon
		clone.Contents.Icon = &icon
	}
	return &clone
}

// Ping 临时标记（仅广播，不落盘，定时过期）
type Ping struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

// Entity 房间内的实体（令牌或ping）
type Entity interface {
	EntityID() string
}

// EntityID 返回令牌ID
func (t *Token) EntityID() string { return t.ID }

// EntityID 返回ping的ID
func (p *Ping) EntityID() string { return p.ID }
