package browser

// Selectors for the WhatsApp Web conversation pane
const (
	paneSelector  = `div[data-scrolltracepolicy='wa.web.conversation.messages']`
	rowSelector   = `div[role='row'] div[data-id]`
	blockSelector = `div.copyable-text[data-pre-plain-text]`

	searchEntryXPath = `//*[@id='side']/div[1]/div/div[2]`
	searchInput      = `div[role='textbox']`
	firstResultXPath = `//*[@id='pane-side']/div[1]/div/div/div[2]/div/div/div/div[2]/div[1]/div[1]/span/span`
)

// helpersJS defines pane() and readRow(el) in the page. readRow returns the
// shape decoded into rawItem.
const helpersJS = `
const pane = () => {
	const p = document.querySelector("` + paneSelector + `");
	if (p) return p;
	let el = document.querySelector("` + rowSelector + `");
	while (el && el !== document.body) {
		if (el.scrollHeight > el.clientHeight + 1) return el;
		el = el.parentElement;
	}
	return document.scrollingElement;
};
const readRow = (el) => {
	const rect = el.getBoundingClientRect();
	const block = el.querySelector("` + blockSelector + `");
	const scope = block || el;
	const spans = block ? Array.from(block.querySelectorAll("span.selectable-text")).slice(0, 120) : [];
	const text = spans.map((s) => (s.innerText || "").trim()).filter(Boolean).join("\n");
	const blob = scope.querySelector('img[src^="blob:"]');
	const data = scope.querySelector('img[src^="data:image"]');
	return {
		id: el.getAttribute("data-id") || "",
		y: rect.top,
		measured: rect.height > 0,
		text: text,
		rowText: (el.innerText || "").slice(0, 400),
		meta: block ? (block.getAttribute("data-pre-plain-text") || "") : "",
		blob: blob ? (blob.getAttribute("src") || "") : "",
		data: data ? (data.getAttribute("src") || "") : "",
	};
};
`

const listRowsJS = `(() => {` + helpersJS + `
	return Array.from(document.querySelectorAll("` + rowSelector + `")).map(readRow);
})()`

// locateRowJS is formatted with the JSON encoded id
const locateRowJS = `(() => {` + helpersJS + `
	const el = document.querySelector("div[role='row'] div[data-id=" + JSON.stringify(%s) + "]");
	return el ? readRow(el) : null;
})()`

const metricsJS = `(() => {` + helpersJS + `
	const p = pane();
	if (!p) return {scrollTop: 0, scrollHeight: 0, clientHeight: 0};
	return {scrollTop: p.scrollTop, scrollHeight: p.scrollHeight, clientHeight: p.clientHeight};
})()`

// scrollJS is formatted with the JSON encoded action and id
const scrollJS = `(() => {` + helpersJS + `
	const action = %s, id = %s;
	const p = pane();
	if (!p) return false;
	switch (action) {
	case "page-up": p.scrollBy(0, -p.clientHeight * 0.9); break;
	case "page-down": p.scrollBy(0, p.clientHeight * 0.9); break;
	case "top": p.scrollTop = 0; break;
	case "bottom": p.scrollTop = p.scrollHeight; break;
	case "item": {
		const el = document.querySelector("div[role='row'] div[data-id=" + JSON.stringify(id) + "]");
		if (!el) return false;
		el.scrollIntoView({block: "center"});
		break;
	}
	}
	return true;
})()`

// fetchBlobJS is formatted with the JSON encoded blob url and resolves to a
// data: url
const fetchBlobJS = `(async () => {
	const res = await fetch(%s);
	if (!res.ok) throw new Error("status " + res.status);
	const blob = await res.blob();
	return await new Promise((resolve, reject) => {
		const reader = new FileReader();
		reader.onload = () => resolve(reader.result);
		reader.onerror = () => reject(reader.error);
		reader.readAsDataURL(blob);
	});
})()`
