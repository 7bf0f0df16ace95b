// Package dispatch 实现模型调用的分发与流式翻译层：接收平台无关的
// 聊天/补全请求（文本、图片、音频），按能力+优先级规则路由到
// 异构上游提供者，并把各家的流式线格式翻译为统一的响应事件序列。
//
// 组件关系：调用方 → Registry.Select → Dispatcher.Call →
// [convert 构造请求，audio 处理语音] → HTTP → stream 解析 →
// 有序 Event 序列 → 调用方。
package dispatch
